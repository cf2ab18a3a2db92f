package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/philsphicas/gamerelay/internal/protocol"
)

const leaveTimeout = 5 * time.Second

// Config holds configuration for the connect command.
type Config struct {
	Matchmaker  string // base URL of the matchmaking API
	Request     JoinRequest
	Stdin       io.Reader
	Stdout      io.Writer
	Caller      *protocol.Caller
	DialTimeout time.Duration // total retry budget for the relay dial (0 = single attempt)
	// OnJoined is called once a seat has been obtained. Optional.
	OnJoined func(protocol.SessionInfo)
	Logger   *slog.Logger
}

// Connect obtains a seat, opens the relay socket and bridges it with
// stdin and stdout until either side closes. The seat is given back on
// return.
func Connect(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Caller == nil {
		cfg.Caller = protocol.NewCaller(protocol.CallerOptions{Logger: cfg.Logger})
	}

	info, err := Join(ctx, cfg.Caller, cfg.Matchmaker, cfg.Request)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	logger := cfg.Logger.With("session", info.SessionID, "participant", info.ParticipantID)
	logger.Info("joined session", "relay", info.Relay, "participants", info.ParticipantCount)
	if cfg.OnJoined != nil {
		cfg.OnJoined(info)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		if err := Leave(leaveCtx, cfg.Caller, cfg.Matchmaker, info.SessionID, info.ParticipantID); err != nil &&
			!protocol.HasStatus(err, http.StatusNotFound) {
			logger.Debug("leave failed", "error", err)
		}
	}()

	ws, err := Dial(ctx, SocketURL(info), cfg.DialTimeout, logger)
	if err != nil {
		return err
	}
	defer func() { _ = ws.CloseNow() }()
	logger.Debug("connected to relay")

	stats, err := Bridge(ctx, ws, cfg.Stdin, cfg.Stdout)
	logger.Debug("bridge ended", "sent", stats.Sent, "received", stats.Received, "error", err)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
