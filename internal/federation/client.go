package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/philsphicas/gamerelay/internal/protocol"
)

// Client makes signed federation calls in both directions: matchmaker to
// relay (status, delete, merge) and relay to matchmaker (register,
// heartbeat, unregister, client-leave, delete-session).
type Client struct {
	caller *protocol.Caller
	signer *Signer
}

// NewClient returns a Client that signs with signer and sends through caller.
func NewClient(signer *Signer, caller *protocol.Caller) *Client {
	return &Client{caller: caller, signer: signer}
}

// Signer returns the client's signer.
func (c *Client) Signer() *Signer { return c.signer }

// classify maps a call failure onto the federation error taxonomy.
func classify(err error, notFound error) error {
	if err == nil {
		return nil
	}
	switch {
	case protocol.HasStatus(err, http.StatusBadRequest):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case protocol.HasStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %v", notFound, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Status asks the relay at addr how many participants sessionID has.
// key is the relay's registration key.
func (c *Client) Status(ctx context.Context, addr, key, sessionID string) (protocol.RelayStatus, error) {
	form := url.Values{
		protocol.FieldSessionID: {sessionID},
		protocol.FieldSig:       {c.signer.Session(key, sessionID)},
	}
	st, err := protocol.Post[protocol.RelayStatus](ctx, c.caller, "relay_status", protocol.JoinURL(addr, protocol.PathRelayStatus), form)
	return st, classify(err, ErrNotFound)
}

// DeleteSession tells the relay at addr to drop sessionID.
func (c *Client) DeleteSession(ctx context.Context, addr, key, sessionID string) error {
	form := url.Values{
		protocol.FieldSessionID: {sessionID},
		protocol.FieldSig:       {c.signer.Session(key, sessionID)},
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "relay_delete_session", protocol.JoinURL(addr, protocol.PathRelayDeleteSession), form)
	return classify(err, ErrNotFound)
}

// Merge tells the relay at addr to move every participant of src into dst.
func (c *Client) Merge(ctx context.Context, addr, dst, src string) (protocol.MergeResult, error) {
	form := url.Values{
		protocol.FieldSessionA: {dst},
		protocol.FieldSessionB: {src},
		protocol.FieldSig:      {c.signer.Merge(dst, src)},
	}
	res, err := protocol.Post[protocol.MergeResult](ctx, c.caller, "relay_merge", protocol.JoinURL(addr, protocol.PathRelayMerge), form)
	return res, classify(err, ErrNotFound)
}

// Register announces this relay to the matchmaker at mm. selfIP is the
// address the matchmaker will see the request come from.
func (c *Client) Register(ctx context.Context, mm, selfIP, host string, port int) error {
	form := url.Values{
		protocol.FieldPort: {strconv.Itoa(port)},
		protocol.FieldSig:  {c.signer.Registration(selfIP)},
	}
	if host != "" {
		form.Set(protocol.FieldHost, host)
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "register", protocol.JoinURL(mm, protocol.PathRegister), form)
	return classify(err, ErrServerNotFound)
}

// Heartbeat reports liveness and load. sessions < 0 omits the count.
func (c *Client) Heartbeat(ctx context.Context, mm, selfIP, host string, players, sessions int) error {
	form := url.Values{
		protocol.FieldPlayerCount: {strconv.Itoa(players)},
		protocol.FieldSig:         {c.signer.Heartbeat(selfIP, players, sessions)},
	}
	if sessions >= 0 {
		form.Set(protocol.FieldSessionCount, strconv.Itoa(sessions))
	}
	if host != "" {
		form.Set(protocol.FieldHost, host)
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "heartbeat", protocol.JoinURL(mm, protocol.PathHeartbeat), form)
	return classify(err, ErrServerNotFound)
}

// Unregister removes this relay from the matchmaker's table.
func (c *Client) Unregister(ctx context.Context, mm, selfIP, host string) error {
	form := url.Values{
		protocol.FieldSig: {c.signer.Registration(selfIP)},
	}
	if host != "" {
		form.Set(protocol.FieldHost, host)
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "unregister", protocol.JoinURL(mm, protocol.PathUnregister), form)
	return classify(err, ErrServerNotFound)
}

// ClientLeave reports that a participant disconnected from this relay.
func (c *Client) ClientLeave(ctx context.Context, mm, selfIP, sessionID, participantID string) error {
	form := url.Values{
		protocol.FieldSessionID:     {sessionID},
		protocol.FieldParticipantID: {participantID},
		protocol.FieldSig:           {c.signer.ClientLeave(selfIP, sessionID, participantID)},
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "client_leave", protocol.JoinURL(mm, protocol.PathClientLeave), form)
	return classify(err, ErrNotFound)
}

// SessionDeleted reports that a session emptied out on this relay.
func (c *Client) SessionDeleted(ctx context.Context, mm, selfIP, sessionID string) error {
	form := url.Values{
		protocol.FieldSessionID: {sessionID},
		protocol.FieldSig:       {c.signer.Session(selfIP, sessionID)},
	}
	_, err := protocol.Post[protocol.Empty](ctx, c.caller, "delete_session", protocol.JoinURL(mm, protocol.PathDeleteSession), form)
	return classify(err, ErrNotFound)
}
