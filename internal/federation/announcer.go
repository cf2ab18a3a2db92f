package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/philsphicas/gamerelay/internal/metrics"
)

const (
	heartbeatInterval = 30 * time.Second
	reconnectMin      = 1 * time.Second
	reconnectMax      = 30 * time.Second
	reconnectFactor   = 2
	unregisterTimeout = 5 * time.Second
)

// AnnouncerConfig holds parameters for a relay's registration loop.
type AnnouncerConfig struct {
	Matchmaker string // base URL of the matchmaker
	Host       string // declared host; empty registers under SourceIP
	Port       int
	// SourceIP is the address the matchmaker sees requests come from.
	// Signatures are computed over it.
	SourceIP          string
	HeartbeatInterval time.Duration
	// Stats reports current load for heartbeats.
	Stats   func() (sessions, players int)
	Client  *Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Key returns the key the matchmaker files this relay under.
func (cfg AnnouncerConfig) Key() string {
	if cfg.Host != "" {
		return cfg.Host
	}
	return cfg.SourceIP
}

// Announce registers with the matchmaker and heartbeats until ctx is
// cancelled, then unregisters. Failed registrations back off from 1s to
// 30s. A heartbeat answered with "not registered" triggers a fresh
// registration.
func Announce(ctx context.Context, cfg AnnouncerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.Stats == nil {
		cfg.Stats = func() (int, int) { return 0, 0 }
	}
	delay := reconnectMin
	for {
		start := time.Now()
		registered, err := runAnnounce(ctx, cfg)
		if ctx.Err() != nil {
			if registered {
				unregister(cfg)
			}
			return ctx.Err()
		}
		// Reset backoff if the registration held for a meaningful duration.
		if time.Since(start) > reconnectMax {
			delay = reconnectMin
		}
		cfg.Metrics.SetAnnouncerRegistered(false)
		cfg.Metrics.IncrRegisterRetries()
		cfg.Logger.Warn("matchmaker registration lost, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*reconnectFactor, reconnectMax)
	}
}

func runAnnounce(ctx context.Context, cfg AnnouncerConfig) (registered bool, err error) {
	if err := cfg.Client.Register(ctx, cfg.Matchmaker, cfg.SourceIP, cfg.Host, cfg.Port); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	cfg.Logger.Info("registered with matchmaker", "matchmaker", cfg.Matchmaker, "key", cfg.Key())
	cfg.Metrics.SetAnnouncerRegistered(true)

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
			sessions, players := cfg.Stats()
			err := cfg.Client.Heartbeat(ctx, cfg.Matchmaker, cfg.SourceIP, cfg.Host, players, sessions)
			switch {
			case err == nil:
				cfg.Logger.Debug("heartbeat sent", "players", players, "sessions", sessions)
			case errors.Is(err, ErrServerNotFound):
				return true, fmt.Errorf("heartbeat: %w", err)
			case ctx.Err() != nil:
				return true, ctx.Err()
			default:
				cfg.Logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func unregister(cfg AnnouncerConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := cfg.Client.Unregister(ctx, cfg.Matchmaker, cfg.SourceIP, cfg.Host); err != nil {
		cfg.Logger.Warn("unregister failed", "error", err)
		return
	}
	cfg.Metrics.SetAnnouncerRegistered(false)
	cfg.Logger.Info("unregistered from matchmaker")
}

// DetectSourceIP returns the local address used to reach target
// (host:port). No packets are sent.
func DetectSourceIP(target string) (string, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "", fmt.Errorf("detect source address: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("detect source address: unexpected %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
