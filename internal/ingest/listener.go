// Package ingest accepts local producer connections over a unix socket and
// turns framed agent output into hub messages. One goroutine per accepted
// connection; workers never wait on subscriber drainage.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/stravinsky/mux/internal/hub"
	"github.com/stravinsky/mux/internal/session"
)

// DefaultMaxFrameBytes bounds a single ingest frame. Longer records are
// treated as malformed.
const DefaultMaxFrameBytes = 1 << 20

// frame is the wire envelope producers write, one JSON object per line.
type frame struct {
	AgentID string  `json:"agent_id"`
	Stream  string  `json:"stream"`
	Payload string  `json:"payload"`
	Ts      float64 `json:"ts"`
}

type Listener struct {
	path     string
	maxFrame int
	registry *session.Registry
	hub      *hub.Hub

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex // guards conns
	conns map[net.Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Listen binds the unix socket, replacing any stale socket file from a
// previous run, and starts accepting producers. A bind failure here is the
// caller's fatal-startup case.
func Listen(path string, maxFrame int, registry *session.Registry, h *hub.Hub) (*Listener, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}

	// A crashed previous instance leaves the socket file behind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", path, err)
	}

	// The controller may run under a different uid than the sidecar.
	if err := os.Chmod(path, 0666); err != nil {
		log.Printf("ingest: chmod %s: %v", path, err)
	}

	l := &Listener{
		path:     path,
		maxFrame: maxFrame,
		registry: registry,
		hub:      h,
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	log.Printf("ingest: listening for producers on %s", path)
	return l, nil
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string {
	return l.path
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ingest: accept error: %v", err)
			continue
		}
		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// handleConn parses frames from one producer connection. A connection may
// multiplex any number of agent ids; each id seen is attached in the
// registry so the close below can apply last-ingest-closed-wins.
func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	attached := make(map[string]bool)
	defer func() {
		// Emit a synthetic close only for agents whose last open ingest
		// path this was.
		for agentID := range attached {
			if l.registry.DetachConn(agentID) {
				l.emitClosed(agentID)
			}
		}
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)

	for {
		line, err := readRecord(reader, l.maxFrame)
		if errors.Is(err, errFrameTooLong) {
			// Protocol error: drop the single record, keep the connection.
			log.Printf("ingest: frame exceeding %d bytes dropped", l.maxFrame)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if !errors.Is(err, net.ErrClosed) {
				// Transport error: the connection is done, other producers
				// are unaffected.
				log.Printf("ingest: read error: %v", err)
			}
			return
		}

		// EOF may still carry one final record without a delimiter.
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			// Also a record-level error: log and keep reading.
			log.Printf("ingest: malformed frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		if f.AgentID == "" {
			log.Printf("ingest: frame without agent_id dropped")
			continue
		}
		stream, err := session.ParseStream(f.Stream)
		if err != nil {
			log.Printf("ingest: frame for %s dropped: %v", f.AgentID, err)
			continue
		}

		if !attached[f.AgentID] {
			l.registry.AttachConn(f.AgentID)
			attached[f.AgentID] = true
		}

		l.publish(f, stream)
	}
}

// errFrameTooLong marks a record that exceeded the frame size limit. The
// record is consumed through its delimiter so the stream stays in sync.
var errFrameTooLong = errors.New("frame exceeds size limit")

// readRecord returns the next newline-delimited record, including its
// delimiter. A record longer than max is drained and reported as
// errFrameTooLong so the caller can discard it without losing the
// connection.
func readRecord(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	overflow := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			buf = append(buf, chunk...)
			if len(buf) > max {
				overflow = true
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return buf, err
		}
		if overflow {
			return nil, errFrameTooLong
		}
		return buf, nil
	}
}

// publish assigns the hub-local sequence number and hands the message to
// the hub. A producer lifecycle frame with payload "closed" also closes the
// session in the registry.
func (l *Listener) publish(f frame, stream session.Stream) {
	kind := ""
	if stream == session.Lifecycle && f.Payload == session.KindClosed {
		kind = session.KindClosed
	}

	seq, _ := l.registry.Observe(f.AgentID, stream)
	if kind == session.KindClosed {
		l.registry.MarkClosed(f.AgentID)
	}
	l.hub.Publish(session.Message{
		AgentID:    f.AgentID,
		Stream:     stream,
		Kind:       kind,
		Seq:        seq,
		Payload:    f.Payload,
		Ts:         time.Now(),
		ProducerTs: f.Ts,
	})
}

func (l *Listener) emitClosed(agentID string) {
	seq, _ := l.registry.Observe(agentID, session.Lifecycle)
	l.registry.MarkClosed(agentID)
	l.hub.Publish(session.Message{
		AgentID: agentID,
		Stream:  session.Lifecycle,
		Kind:    session.KindClosed,
		Seq:     seq,
		Ts:      time.Now(),
	})
}

// Close stops accepting, force-closes every open producer connection, and
// waits for the workers to finish their close bookkeeping. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.ln.Close()

		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()
		os.Remove(l.path)
	})
	return nil
}
