// The mux sidecar decouples agent output from the controller that spawns
// the agents: producers write framed messages to a local unix socket, and
// dashboards follow the merged stream over a WebSocket endpoint. The
// process lives exactly as long as its parent controller does.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/stravinsky/mux/internal/config"
	"github.com/stravinsky/mux/internal/hub"
	"github.com/stravinsky/mux/internal/ingest"
	"github.com/stravinsky/mux/internal/liveness"
	"github.com/stravinsky/mux/internal/mock"
	"github.com/stravinsky/mux/internal/session"
	"github.com/stravinsky/mux/internal/ws"
)

const (
	exitFatalStartup = 1
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	socketPath := flag.String("socket", "", "Override ingest socket path")
	httpAddr := flag.String("http", "", "Override subscriber endpoint host:port")
	mockMode := flag.Bool("mock", false, "Emit synthetic agent traffic")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg, *socketPath, *httpAddr)

	probe, err := buildProbe(cfg)
	if err != nil {
		log.Fatalf("Failed to set up liveness probe: %v", err)
	}

	registry := session.NewRegistry(cfg.Session.IdleTimeout, cfg.Session.RemoveGrace)
	h := hub.New(cfg.Hub.QueueCapacity, cfg.Hub.PublishBuffer)

	listener, err := ingest.Listen(cfg.Ingest.SocketPath, cfg.Ingest.MaxFrameBytes, registry, h)
	if err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(exitFatalStartup)
	}

	gateway := ws.NewServer(registry, h, cfg.Server.AllowedOrigins)
	if err := gateway.Start(cfg.Server.Host, cfg.Server.Port); err != nil {
		listener.Close()
		log.Printf("Fatal: %v", err)
		os.Exit(exitFatalStartup)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		log.Println("Mock mode: emitting synthetic agent traffic")
		mock.NewGenerator(registry, h).Start(ctx)
	}

	supervisor := liveness.NewSupervisor(probe,
		cfg.Liveness.PollInterval, cfg.Liveness.HeartbeatTimeout, cfg.Liveness.DrainGrace)

	// Drain order: stop taking producer input, push the final shutdown
	// message through the hub, then let subscriber pumps flush.
	supervisor.Add("ingest", func(context.Context) error {
		return listener.Close()
	})
	supervisor.Add("hub", func(context.Context) error {
		h.Shutdown()
		return nil
	})
	supervisor.Add("gateway", gateway.Shutdown)
	supervisor.Add("registry", func(context.Context) error {
		registry.Close()
		return nil
	})

	code := supervisor.Run(ctx)
	if closer, ok := probe.(interface{ Close() }); ok && closer != nil {
		closer.Close()
	}
	os.Exit(code)
}

func applyFlags(cfg *config.Config, socketPath, httpAddr string) {
	if socketPath != "" {
		cfg.Ingest.SocketPath = socketPath
	}
	if httpAddr != "" {
		host, port, err := config.SplitHostPort(httpAddr)
		if err != nil {
			log.Fatalf("Invalid -http value: %v", err)
		}
		if host != "" {
			cfg.Server.Host = host
		}
		cfg.Server.Port = port
	}
}

func buildProbe(cfg *config.Config) (liveness.Probe, error) {
	switch cfg.Liveness.Mode {
	case "parent":
		return liveness.NewParentProbe()
	case "marker":
		// The probe only answers "was the marker touched since the last
		// poll"; the supervisor owns the heartbeat timeout.
		return liveness.NewMarkerProbe(cfg.Liveness.MarkerPath, cfg.Liveness.PollInterval)
	default: // "none"
		return nil, nil
	}
}
