package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/matchmaking"
	"github.com/philsphicas/gamerelay/internal/metrics"
	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/relay"
	"github.com/philsphicas/gamerelay/internal/session"
)

// ConnFlags tune participant connections.
type ConnFlags struct {
	Subprotocol    []string      `help:"Supported WebSocket subprotocols, in preference order."`
	NoLegacy       bool          `help:"Reject legacy (hixie-76) handshakes."`
	MaxPayload     int           `help:"Max message size in bytes (0 = default)."`
	QueueSize      int           `help:"Outbound messages buffered per connection (0 = default)."`
	PingInterval   time.Duration `help:"Keepalive ping interval (negative disables)." default:"30s"`
	MaxConnections int           `help:"Max concurrent participant connections (0 = unlimited)."`
	TCPKeepAlive   time.Duration `name:"tcp-keepalive" help:"TCP keepalive interval." default:"30s"`
}

func (f ConnFlags) relayConfig(reg *session.Registry, signer *federation.Signer, key string, logger *slog.Logger, m *metrics.Metrics) relay.Config {
	return relay.Config{
		Registry:       reg,
		Signer:         signer,
		Key:            key,
		Subprotocols:   f.Subprotocol,
		AllowLegacy:    !f.NoLegacy,
		MaxPayload:     f.MaxPayload,
		QueueSize:      f.QueueSize,
		PingInterval:   f.PingInterval,
		MaxConnections: f.MaxConnections,
		Logger:         logger,
		Metrics:        m,
	}
}

// ServeCmd runs the matchmaker with a co-located relay.
type ServeCmd struct {
	Listen            string        `help:"Address to listen on." default:":8080" env:"GAMERELAY_LISTEN"`
	PublicAddr        string        `help:"host:port clients use to reach this process (default: derived from --listen)."`
	Secret            string        `help:"Shared federation secret; enables external relays." env:"GAMERELAY_SECRET"`
	FederationTimeout time.Duration `help:"Timeout for calls to federated relays." default:"8s"`

	ConnFlags `embed:""`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, g, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.Listen, err)
	}
	publicAddr := c.PublicAddr
	if publicAddr == "" {
		publicAddr, err = advertisedAddr(ln.Addr())
		if err != nil {
			ln.Close() //nolint:errcheck
			return err
		}
	}

	reg := session.NewRegistry(session.Options{Logger: logger, Metrics: m})
	defer reg.Close()

	mcfg := matchmaking.Config{Registry: reg, RelayAddr: publicAddr, Logger: logger, Metrics: m}
	if c.Secret != "" {
		signer := federation.NewSigner(c.Secret)
		caller := protocol.NewCaller(protocol.CallerOptions{Timeout: c.FederationTimeout, Logger: logger, Metrics: m})
		mcfg.Servers = federation.NewServerTable()
		mcfg.Signer = signer
		mcfg.Client = federation.NewClient(signer, caller)
		logger.Info("federation enabled")
	}
	svc := matchmaking.NewService(mcfg)

	mux := http.NewServeMux()
	svc.Register(mux)
	relay.New(c.relayConfig(reg, nil, "", logger, m)).Register(mux)

	logger.Info("matchmaker starting", "public_addr", publicAddr)
	err = relay.ListenAndServe(ctx, relay.ServerConfig{
		Listener:     ln,
		Handler:      mux,
		TCPKeepAlive: c.TCPKeepAlive,
		Logger:       logger,
	})
	svc.Wait()
	return err
}

// advertisedAddr turns a listener address into one clients can dial:
// unspecified hosts become the machine's hostname.
func advertisedAddr(addr net.Addr) (string, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("derive public address: %w", err)
		}
	}
	return net.JoinHostPort(host, port), nil
}
