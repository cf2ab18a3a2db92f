package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// Dial opens the WebSocket to the relay, retrying with exponential backoff
// (1s, 2s, 4s, capped at 30s) until budget is spent or ctx is cancelled.
// A zero budget makes a single attempt.
func Dial(ctx context.Context, socketURL string, budget time.Duration, logger *slog.Logger) (*websocket.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if budget == 0 {
		return dialOnce(ctx, socketURL)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay dial", "attempt", attempt, "delay", delay)
			select {
			case <-budgetCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		ws, err := dialOnce(budgetCtx, socketURL)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		logger.Debug("relay dial attempt failed", "attempt", attempt+1, "error", err)
		if budgetCtx.Err() != nil {
			return nil, lastErr
		}
	}
}

func dialOnce(ctx context.Context, socketURL string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(dialCtx, socketURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}
