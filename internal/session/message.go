package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream identifies which output channel of an agent a message was observed on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
	Lifecycle
)

// streamCount is the number of per-session sequence counters the registry keeps.
const streamCount = 3

var streamNames = map[Stream]string{
	Stdout:    "stdout",
	Stderr:    "stderr",
	Lifecycle: "lifecycle",
}

var streamFromName = map[string]Stream{
	"stdout":    Stdout,
	"stderr":    Stderr,
	"lifecycle": Lifecycle,
}

func (s Stream) String() string {
	if name, ok := streamNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStream maps a wire-format stream name to its Stream value.
func ParseStream(name string) (Stream, error) {
	if s, ok := streamFromName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown stream %q", name)
}

func (s Stream) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stream) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStream(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Lifecycle message kinds. Producer-originated "closed" marks an agent done;
// the other kinds are synthesized by the multiplexer itself.
const (
	KindClosed   = "closed"
	KindGap      = "gap"
	KindShutdown = "shutdown"
)

// Message is one unit of observed agent output flowing through the hub.
// Seq is assigned on receipt and is strictly increasing per (agent_id, stream).
// A Message is immutable once published; it is shared read-only across all
// subscriber deliveries.
type Message struct {
	AgentID string `json:"agent_id"`
	Stream  Stream `json:"stream"`
	// Kind is set only on lifecycle messages: closed, gap, or shutdown.
	Kind    string    `json:"kind,omitempty"`
	Seq     uint64    `json:"seq"`
	Payload string    `json:"payload,omitempty"`
	Ts      time.Time `json:"ts"`
	// ProducerTs is the producer-side clock from the ingest frame, seconds
	// since the epoch. Zero when the producer did not supply one.
	ProducerTs float64 `json:"producer_ts,omitempty"`
	// DroppedCount is set only on gap markers: the running total of messages
	// lost before reaching the receiving subscriber, either evicted from its
	// queue or dropped at the hub intake.
	DroppedCount uint64 `json:"dropped_count,omitempty"`
}
