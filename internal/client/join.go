// Package client implements the participant side: it asks a matchmaker for
// a seat in a session, opens the WebSocket to the relay it was assigned and
// bridges text lines between that socket and local streams.
package client

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/philsphicas/gamerelay/internal/protocol"
)

// ErrNoSession is returned when join-any finds no session with room.
var ErrNoSession = errors.New("no public session with a free slot")

// JoinRequest selects how to obtain a seat. With SessionID set the session
// is joined directly; otherwise a positive Slots creates a new session of
// GameID and zero Slots joins any public one.
type JoinRequest struct {
	GameID        string
	Slots         int
	SessionID     string
	ParticipantID string // optional, for rejoining
}

// Join performs the matchmaking call for req.
func Join(ctx context.Context, c *protocol.Caller, matchmaker string, req JoinRequest) (protocol.SessionInfo, error) {
	var (
		op   string
		path string
		form = url.Values{}
	)
	switch {
	case req.SessionID != "":
		op, path = "join", protocol.PathJoin
		form.Set(protocol.FieldSessionID, req.SessionID)
		if req.ParticipantID != "" {
			form.Set(protocol.FieldParticipantID, req.ParticipantID)
		}
	case req.Slots > 0:
		op, path = "create", protocol.PathCreate
		form.Set(protocol.FieldGameID, req.GameID)
		form.Set(protocol.FieldSlots, strconv.Itoa(req.Slots))
	default:
		op, path = "join_any", protocol.PathJoinAny
		form.Set(protocol.FieldGameID, req.GameID)
	}
	info, err := protocol.Post[protocol.SessionInfo](ctx, c, op, protocol.JoinURL(matchmaker, path), form)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	if info.SessionID == "" {
		return protocol.SessionInfo{}, ErrNoSession
	}
	return info, nil
}

// Leave gives the seat back.
func Leave(ctx context.Context, c *protocol.Caller, matchmaker, sessionID, participantID string) error {
	form := url.Values{
		protocol.FieldSessionID:     {sessionID},
		protocol.FieldParticipantID: {participantID},
	}
	_, err := protocol.Post[protocol.Empty](ctx, c, "leave", protocol.JoinURL(matchmaker, protocol.PathLeave), form)
	return err
}

// SocketURL returns the WebSocket URL for a seat.
func SocketURL(info protocol.SessionInfo) string {
	u := url.URL{
		Scheme: "ws",
		Host:   info.Relay,
		Path:   protocol.PathWebSocket + url.PathEscape(info.SessionID) + "/" + url.PathEscape(info.ParticipantID),
	}
	if info.Ticket != "" {
		u.Path += "/" + info.Ticket
	}
	return u.String()
}
