// Package protocol defines the HTTP wire format shared by the matchmaker,
// relays and clients.
//
// Requests are form encoded. Every response body is a JSON envelope:
// {"ok":true,"data":...} on success or {"ok":false,"msg":"..."} on failure,
// with the HTTP status carrying the error class.
package protocol

import (
	"net"
	"net/http"

	"github.com/sugawarayuuta/sonnet"
)

// Matchmaking endpoints.
const (
	PathCreate     = "/api/v1/multiplayer/session/create"
	PathJoin       = "/api/v1/multiplayer/session/join"
	PathJoinAny    = "/api/v1/multiplayer/session/join-any"
	PathLeave      = "/api/v1/multiplayer/session/leave"
	PathMakePublic = "/api/v1/multiplayer/session/make-public"
	PathMerge      = "/api/v1/multiplayer/session/merge"
	PathList       = "/api/v1/multiplayer/session/list"
	PathRead       = "/api/v1/multiplayer/session/read"
)

// Federation endpoints served by the matchmaker.
const (
	PathRegister      = "/api/v1/multiplayer/server/register"
	PathHeartbeat     = "/api/v1/multiplayer/server/heartbeat"
	PathUnregister    = "/api/v1/multiplayer/server/unregister"
	PathClientLeave   = "/api/v1/multiplayer/server/client-leave"
	PathDeleteSession = "/api/v1/multiplayer/server/delete-session"
)

// Federation endpoints served by a relay.
const (
	PathRelayStatus        = "/api/v1/multiplayer/relay/status"
	PathRelayDeleteSession = "/api/v1/multiplayer/relay/delete-session"
	PathRelayMerge         = "/api/v1/multiplayer/relay/merge"
)

// PathWebSocket prefixes /{session_id}/{participant_id}[/{ticket}].
const PathWebSocket = "/multiplayer/"

// Form field names.
const (
	FieldGameID        = "game_id"
	FieldSlots         = "slots"
	FieldSessionID     = "session_id"
	FieldParticipantID = "participant_id"
	FieldSessionA      = "session_a"
	FieldSessionB      = "session_b"
	FieldHost          = "host"
	FieldPort          = "port"
	FieldPlayerCount   = "player_count"
	FieldSessionCount  = "session_count"
	FieldSig           = "sig"
)

// Envelope is the body of every API response.
type Envelope[T any] struct {
	OK   bool   `json:"ok"`
	Data T      `json:"data,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// SessionInfo is returned by create, join and join-any. The zero value is
// the empty join-any result.
type SessionInfo struct {
	// Relay is the host:port a client opens its WebSocket against.
	Relay            string `json:"relay,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ParticipantID    string `json:"participant_id,omitempty"`
	ParticipantCount int    `json:"participant_count,omitempty"`
	// Ticket is set when the session is hosted on a federated relay.
	Ticket string `json:"ticket,omitempty"`
}

// SessionSummary is returned by list and read.
type SessionSummary struct {
	SessionID        string `json:"session_id"`
	GameID           string `json:"game_id"`
	Slots            int    `json:"slots"`
	ParticipantCount int    `json:"participant_count"`
	Public           bool   `json:"public"`
	Relay            string `json:"relay"`
}

// RelayStatus is returned by a relay's status endpoint.
type RelayStatus struct {
	SessionID        string `json:"session_id"`
	Exists           bool   `json:"exists"`
	ParticipantCount int    `json:"participant_count"`
}

// MergeResult is returned by both merge endpoints.
type MergeResult struct {
	SessionID        string `json:"session_id"`
	ParticipantCount int    `json:"participant_count"`
}

// Empty is the payload of operations that only acknowledge.
type Empty struct{}

// WriteOK writes a success envelope carrying data.
func WriteOK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Envelope[T]{OK: true, Data: data})
}

// WriteError writes a failure envelope with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope[Empty]{Msg: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck // client may have gone away
}

// RemoteIP returns the address the request came from, without the port.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
