// Package natsbus runs the embedded NATS server and wraps the client
// connection used for agent request/reply and event publishing.
package natsbus

import (
	"fmt"
	"time"

	"github.com/moot-dev/moot/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

// New starts the embedded broker. The bus is plain core NATS: every
// subject here is either request/reply or a fire-and-forget event
// feed, so no stream persistence is configured. Port 0 binds an
// ephemeral port.
func New(cfg config.NATSConfig) (*Bus, error) {
	port := cfg.Port
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}

	opts := &natsserver.Options{
		ServerName: "moot",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
