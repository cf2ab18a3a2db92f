package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/relay"
	"github.com/philsphicas/gamerelay/internal/session"
)

// RelayCmd runs a relay that hosts sessions for a remote matchmaker.
type RelayCmd struct {
	Matchmaker        string        `help:"Base URL of the matchmaker." required:"" env:"GAMERELAY_MATCHMAKER"`
	Secret            string        `help:"Shared federation secret." required:"" env:"GAMERELAY_SECRET"`
	Listen            string        `help:"Address to listen on." default:":9000" env:"GAMERELAY_LISTEN"`
	Host              string        `help:"Host name clients use to reach this relay (default: the address the matchmaker sees)."`
	Port              int           `help:"Port clients use to reach this relay (default: the listen port)."`
	SourceIP          string        `name:"source-ip" help:"Address the matchmaker sees this relay's requests come from (default: detected)."`
	HeartbeatInterval time.Duration `help:"Heartbeat interval." default:"30s"`
	FederationTimeout time.Duration `help:"Timeout for calls to the matchmaker." default:"8s"`

	ConnFlags `embed:""`
}

func (c *RelayCmd) Run(g *Globals) error {
	logger := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourceIP := c.SourceIP
	if sourceIP == "" {
		target, err := dialTarget(c.Matchmaker)
		if err != nil {
			return err
		}
		if sourceIP, err = federation.DetectSourceIP(target); err != nil {
			return err
		}
	}

	m, err := resolveMetrics(ctx, g, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.Listen, err)
	}
	port := c.Port
	if port == 0 {
		port = ln.Addr().(*net.TCPAddr).Port
	}

	signer := federation.NewSigner(c.Secret)
	caller := protocol.NewCaller(protocol.CallerOptions{Timeout: c.FederationTimeout, Logger: logger, Metrics: m})
	fc := federation.NewClient(signer, caller)

	notifier := &relay.Notifier{Matchmaker: c.Matchmaker, SourceIP: sourceIP, Client: fc, Logger: logger}
	reg := session.NewRegistry(session.Options{Logger: logger, Metrics: m, OnRemove: notifier.OnRemove})

	acfg := federation.AnnouncerConfig{
		Matchmaker:        c.Matchmaker,
		Host:              c.Host,
		Port:              port,
		SourceIP:          sourceIP,
		HeartbeatInterval: c.HeartbeatInterval,
		Stats:             reg.Stats,
		Client:            fc,
		Logger:            logger,
		Metrics:           m,
	}

	mux := http.NewServeMux()
	relay.New(c.relayConfig(reg, signer, acfg.Key(), logger, m)).Register(mux)

	announced := make(chan error, 1)
	go func() { announced <- federation.Announce(ctx, acfg) }()

	logger.Info("relay starting", "matchmaker", c.Matchmaker, "key", acfg.Key(), "port", port)
	err = relay.ListenAndServe(ctx, relay.ServerConfig{
		Listener:     ln,
		Handler:      mux,
		TCPKeepAlive: c.TCPKeepAlive,
		Logger:       logger,
	})
	stop()
	if aerr := <-announced; aerr != nil && !errors.Is(aerr, context.Canceled) && err == nil {
		err = aerr
	}
	reg.Close()
	notifier.Wait()
	return err
}

// dialTarget returns host:port of the matchmaker URL for source address
// detection.
func dialTarget(matchmaker string) (string, error) {
	u, err := url.Parse(protocol.JoinURL(matchmaker, "/"))
	if err != nil {
		return "", fmt.Errorf("parse matchmaker URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("matchmaker URL %q has no host", matchmaker)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(port)), nil
}
