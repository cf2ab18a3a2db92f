// Package relay implements the WebSocket endpoint participants connect to:
// it authenticates the participant against the session registry, upgrades
// the socket and routes every message through the registry. A relay run
// on behalf of a federated matchmaker also serves the relay side of the
// federation protocol.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/metrics"
	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/session"
	"github.com/philsphicas/gamerelay/internal/wire"
	"github.com/philsphicas/gamerelay/internal/wsconn"
)

const defaultPingInterval = 30 * time.Second

// Config holds relay configuration.
type Config struct {
	Registry *session.Registry
	// Signer enables tickets and the relay federation endpoints. Nil
	// means participants must already be known to Registry.
	Signer *federation.Signer
	// Key is this relay's registration key at the matchmaker; status and
	// delete requests are signed over it.
	Key string

	Subprotocols   []string
	AllowLegacy    bool
	MaxPayload     int
	QueueSize      int
	PingInterval   time.Duration // negative disables keepalive pings
	MaxConnections int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// Relay serves participant connections for one registry.
type Relay struct {
	cfg    Config
	reg    *session.Registry
	conns  *connLimiter
	logger *slog.Logger
}

// New returns a Relay. cfg.Registry is required.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.PingInterval == 0:
		cfg.PingInterval = defaultPingInterval
	case cfg.PingInterval < 0:
		cfg.PingInterval = 0
	}
	return &Relay{
		cfg:    cfg,
		reg:    cfg.Registry,
		conns:  newConnLimiter(cfg.MaxConnections),
		logger: cfg.Logger,
	}
}

// Register mounts the WebSocket endpoint, and the relay federation
// endpoints when a signer is configured, on mux.
func (rl *Relay) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+protocol.PathWebSocket, rl.handleUpgrade)
	if rl.cfg.Signer == nil {
		return
	}
	mux.HandleFunc("POST "+protocol.PathRelayStatus, rl.handleStatus)
	mux.HandleFunc("POST "+protocol.PathRelayDeleteSession, rl.handleDeleteSession)
	mux.HandleFunc("POST "+protocol.PathRelayMerge, rl.handleMerge)
}

var errBadPath = errors.New("expected /multiplayer/{session_id}/{participant_id}[/{ticket}]")

// parsePath splits the upgrade path into its components. ticket is empty
// for the two-segment form.
func parsePath(path string) (sessionID, participantID, ticket string, err error) {
	rest, ok := strings.CutPrefix(path, protocol.PathWebSocket)
	if !ok {
		return "", "", "", errBadPath
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", errBadPath
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", errBadPath
		}
	}
	if len(parts) == 3 {
		ticket = parts[2]
	}
	return parts[0], parts[1], ticket, nil
}

// admit checks that the request may join as participantID of sessionID,
// adopting ticketed participants into the registry. A ticket that does
// not verify is a bad request; a member dialling from an address other
// than its pinned one is unauthorized.
func (rl *Relay) admit(sessionID, participantID, ticket, ip string) (int, error) {
	if ticket == "" {
		err := rl.reg.Check(sessionID, participantID, ip)
		switch {
		case errors.Is(err, session.ErrParticipantIP):
			rl.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
			return http.StatusUnauthorized, err
		case err != nil:
			rl.cfg.Metrics.ConnectionError(metrics.ReasonNotFound)
			return http.StatusNotFound, err
		}
		return 0, nil
	}
	if rl.cfg.Signer == nil {
		rl.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
		return http.StatusBadRequest, errors.New("tickets are not accepted by this relay")
	}
	if err := rl.cfg.Signer.Verify(ticket, ip, sessionID, participantID); err != nil {
		rl.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
		return http.StatusBadRequest, fmt.Errorf("ticket: %w", err)
	}
	rl.reg.Adopt(sessionID, participantID, ip)
	return 0, nil
}

func (rl *Relay) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID, participantID, ticket, err := parsePath(r.URL.Path)
	if err != nil {
		rl.cfg.Metrics.ConnectionError(metrics.ReasonNotFound)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ip := protocol.RemoteIP(r)
	logger := rl.logger.With("session", sessionID, "participant", participantID, "remote", ip)

	if status, err := rl.admit(sessionID, participantID, ticket, ip); err != nil {
		logger.Info("connection rejected", "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if !rl.conns.acquire() {
		logger.Warn("connection limit reached, rejecting", "limit", rl.cfg.MaxConnections)
		rl.cfg.Metrics.ConnectionError(metrics.ReasonAtCapacity)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer rl.conns.release()

	var member *session.Member
	c, err := wsconn.Upgrade(w, r, wsconn.Options{
		Subprotocols: rl.cfg.Subprotocols,
		AllowLegacy:  rl.cfg.AllowLegacy,
		MaxPayload:   rl.cfg.MaxPayload,
		QueueSize:    rl.cfg.QueueSize,
		PingInterval: rl.cfg.PingInterval,
		Logger:       logger,
		OnMessage: func(c *wsconn.Conn, msg wire.Message) {
			rl.reg.Route(member, c, msg)
		},
		OnClose: func(c *wsconn.Conn) {
			rl.reg.Detach(member, c)
		},
	})
	if err != nil {
		logger.Info("handshake failed", "error", err)
		rl.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeFailed)
		return
	}

	member, err = rl.reg.Attach(sessionID, participantID, c)
	if err != nil {
		// The session went away between admission and upgrade.
		logger.Info("attach failed", "error", err)
		rl.cfg.Metrics.ConnectionError(metrics.ReasonNotFound)
		c.Abort()
		return
	}

	family := c.Family().String()
	logger.Debug("participant connected", "family", family, "subprotocol", c.Subprotocol(), "active", rl.conns.active())
	tracker := rl.cfg.Metrics.ConnectionOpened(family)
	err = c.Serve(r.Context())
	if errors.Is(err, wire.ErrProtocol) {
		rl.cfg.Metrics.ConnectionError(metrics.ReasonProtocolViolation)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	tracker.Done(err)
	logger.Debug("participant disconnected", "error", err)
}
