package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr     string
	Listener net.Listener // optional; overrides Addr
	Handler  http.Handler
	// TCPKeepAlive is applied to every accepted connection (0 = 30s).
	TCPKeepAlive time.Duration
	Logger       *slog.Logger
}

// ListenAndServe serves cfg.Handler until ctx is cancelled, then shuts
// down gracefully. Request contexts derive from ctx, so cancelling it also
// aborts upgraded WebSocket connections.
func ListenAndServe(ctx context.Context, cfg ServerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	srv := &http.Server{
		Handler:           cfg.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ConnState: func(c net.Conn, state http.ConnState) {
			if state == http.StateNew {
				SetTCPKeepAlive(c, cfg.TCPKeepAlive)
			}
		},
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	cfg.Logger.Info("listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
