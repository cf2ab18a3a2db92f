package relay

import (
	"errors"
	"net/http"

	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/session"
)

// verified parses the form and checks sig over parts built from it.
func (rl *Relay) verified(w http.ResponseWriter, r *http.Request, parts func() []string) bool {
	if err := r.ParseForm(); err != nil {
		protocol.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := rl.cfg.Signer.Verify(r.PostForm.Get(protocol.FieldSig), parts()...); err != nil {
		rl.logger.Warn("rejected federation request", "path", r.URL.Path, "remote", protocol.RemoteIP(r), "error", err)
		protocol.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (rl *Relay) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue(protocol.FieldSessionID)
	if !rl.verified(w, r, func() []string { return []string{rl.cfg.Key, sessionID} }) {
		return
	}
	inf, err := rl.reg.Get(sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		// Nobody has connected yet.
		protocol.WriteOK(w, protocol.RelayStatus{SessionID: sessionID})
		return
	}
	protocol.WriteOK(w, protocol.RelayStatus{SessionID: sessionID, Exists: true, ParticipantCount: inf.Participants})
}

func (rl *Relay) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue(protocol.FieldSessionID)
	if !rl.verified(w, r, func() []string { return []string{rl.cfg.Key, sessionID} }) {
		return
	}
	if err := rl.reg.Remove(sessionID); err != nil {
		protocol.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	rl.logger.Info("session deleted by matchmaker", "session", sessionID)
	protocol.WriteOK(w, protocol.Empty{})
}

func (rl *Relay) handleMerge(w http.ResponseWriter, r *http.Request) {
	dst, src := r.FormValue(protocol.FieldSessionA), r.FormValue(protocol.FieldSessionB)
	if !rl.verified(w, r, func() []string { return []string{dst, src} }) {
		return
	}
	inf, err := rl.reg.Absorb(dst, src)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		// Neither session has connected participants here yet; later
		// tickets for dst are adopted as usual.
		protocol.WriteOK(w, protocol.MergeResult{SessionID: dst})
		return
	case err != nil:
		protocol.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rl.logger.Info("sessions merged", "into", dst, "from", src, "participants", inf.Participants)
	protocol.WriteOK(w, protocol.MergeResult{SessionID: inf.ID, ParticipantCount: inf.Participants})
}
