package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/capability"
	"github.com/moot-dev/moot/internal/channel"
	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/manager"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/registry"
	"github.com/moot-dev/moot/internal/scheduler"
	"github.com/moot-dev/moot/internal/store"
	"github.com/moot-dev/moot/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("moot %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			slog.Error("export failed", "error", err)
			os.Exit(1)
		}
	case "import":
		if err := runImport(os.Args[2:]); err != nil {
			slog.Error("import failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: moot <command>\n\nCommands:\n  gateway    Start the moot gateway service\n  export     Export task history to a compressed archive\n  import     Import task history from a compressed archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()
	logger.Info("starting moot gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	logger.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	logger.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Agent roster from config, persisted for inspection across restarts
	reg := registry.New()
	if err := syncAgents(db, reg, events, cfg.Agents); err != nil {
		return fmt.Errorf("sync agent roster: %w", err)
	}
	logger.Info("agent roster loaded", "agents", reg.Len())

	// Delivery fabric for direct agent-to-agent messaging
	ch := channel.NewLocal(reg, logger)
	defer ch.Close()
	for _, d := range reg.All() {
		if err := ch.Register(d.Agent); err != nil {
			return fmt.Errorf("attach agent %s: %w", d.Agent.ID(), err)
		}
	}
	// Agents publish envelopes on the send subject to message one
	// another; the channel delivers them.
	if _, err := ch.AttachBus(events); err != nil {
		return fmt.Errorf("attach channel to bus: %w", err)
	}

	// Task manager
	mgr := manager.New(reg, nil, db, events, cfg.Iteration, logger)
	defer mgr.Wait()

	// Scheduler
	sched := scheduler.New(db, mgr, events, cfg.Scheduler, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, mgr, reg, cfg.Web, logger, version)
		g.Go(func() error {
			return srv.Start(gctx)
		})
		logger.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-gctx.Done():
	}
	cancel()

	return g.Wait()
}

// syncAgents registers every configured agent as a remote NATS agent
// and mirrors the roster into the store, pruning entries removed from
// the config.
func syncAgents(db *store.Store, reg *registry.Registry, events *natsbus.Client, agents []config.AgentConfig) error {
	keep := make([]string, 0, len(agents))
	for _, ac := range agents {
		caps, err := capability.FromAny(ac.Capabilities)
		if err != nil {
			return fmt.Errorf("agent %s capabilities: %w", ac.ID, err)
		}
		if err := reg.Register(agent.NewRemote(ac.ID, events), caps); err != nil {
			return fmt.Errorf("register agent %s: %w", ac.ID, err)
		}
		if err := db.SaveAgent(&store.Agent{ID: ac.ID, Kind: "remote", Capabilities: caps.ToLists()}); err != nil {
			return fmt.Errorf("persist agent %s: %w", ac.ID, err)
		}
		keep = append(keep, ac.ID)
	}
	if err := db.DeleteAgentsNotIn(keep); err != nil {
		return fmt.Errorf("prune agents: %w", err)
	}
	return nil
}
