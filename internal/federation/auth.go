// Package federation lets a matchmaker hand sessions to externally
// registered relay processes. Trust rests on one shared secret: every
// cross-process request carries an HMAC-SHA1 signature over the fields it
// asserts.
package federation

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
)

var (
	ErrBadSignature   = errors.New("bad signature")
	ErrServerNotFound = errors.New("server not registered")
	ErrNotFound       = errors.New("not found on relay")
	ErrUnavailable    = errors.New("federation unavailable")
)

// Signer signs and verifies federation messages.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for the shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns base64url(HMAC-SHA1(secret, concat(parts))) without padding.
func (s *Signer) Sign(parts ...string) string {
	mac := hmac.New(sha1.New, s.secret)
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against parts in constant time.
func (s *Signer) Verify(sig string, parts ...string) error {
	if sig == "" || !hmac.Equal([]byte(sig), []byte(s.Sign(parts...))) {
		return ErrBadSignature
	}
	return nil
}

// Registration signs a register or unregister request from ip.
func (s *Signer) Registration(ip string) string {
	return s.Sign(ip)
}

// Heartbeat signs a heartbeat. sessions < 0 omits the session count.
func (s *Signer) Heartbeat(ip string, players, sessions int) string {
	if sessions < 0 {
		return s.Sign(ip, strconv.Itoa(players))
	}
	return s.Sign(ip, strconv.Itoa(players), strconv.Itoa(sessions))
}

// Ticket authorizes the client at ip to connect as participantID of
// sessionID on a federated relay.
func (s *Signer) Ticket(ip, sessionID, participantID string) string {
	return s.Sign(ip, sessionID, participantID)
}

// Session signs a status or deletion request about sessionID. key is the
// relay's registration key when the matchmaker calls a relay, or the
// relay's own address when a relay reports a deleted session.
func (s *Signer) Session(key, sessionID string) string {
	return s.Sign(key, sessionID)
}

// ClientLeave signs a relay's report that a participant disconnected.
func (s *Signer) ClientLeave(ip, sessionID, participantID string) string {
	return s.Sign(ip, sessionID, participantID)
}

// Merge signs a request to merge b into a.
func (s *Signer) Merge(a, b string) string {
	return s.Sign(a, b)
}
