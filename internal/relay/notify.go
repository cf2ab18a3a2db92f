package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/session"
)

const notifyTimeout = 8 * time.Second

// Notifier reports participant departures on a federated relay back to
// the matchmaker that owns the sessions.
type Notifier struct {
	Matchmaker string
	SourceIP   string
	Client     *federation.Client
	Logger     *slog.Logger

	wg sync.WaitGroup
}

// OnRemove is a session.Options.OnRemove hook. Only departures the
// matchmaker cannot know about are reported: disconnects and delivery
// failures. Removals the matchmaker asked for are not echoed back.
func (n *Notifier) OnRemove(ev session.RemoveEvent) {
	if ev.Reason != session.ReasonDisconnect && ev.Reason != session.ReasonDelivery {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.report(ev)
	}()
}

func (n *Notifier) report(ev session.RemoveEvent) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	var err error
	if ev.SessionDeleted {
		err = n.Client.SessionDeleted(ctx, n.Matchmaker, n.SourceIP, ev.SessionID)
	} else {
		err = n.Client.ClientLeave(ctx, n.Matchmaker, n.SourceIP, ev.SessionID, ev.ParticipantID)
	}
	switch {
	case err == nil:
		logger.Debug("reported departure to matchmaker", "session", ev.SessionID, "participant", ev.ParticipantID, "session_deleted", ev.SessionDeleted)
	case errors.Is(err, federation.ErrNotFound):
		// The matchmaker already forgot about it.
	default:
		logger.Warn("departure report failed", "session", ev.SessionID, "participant", ev.ParticipantID, "error", err)
	}
}

// Wait blocks until outstanding reports have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
