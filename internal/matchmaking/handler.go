package matchmaking

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/session"
)

// Register mounts the session API and the matchmaker's federation
// endpoints on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathCreate, s.handleCreate)
	mux.HandleFunc("POST "+protocol.PathJoin, s.handleJoin)
	mux.HandleFunc("POST "+protocol.PathJoinAny, s.handleJoinAny)
	mux.HandleFunc("POST "+protocol.PathLeave, s.handleLeave)
	mux.HandleFunc("POST "+protocol.PathMakePublic, s.handleMakePublic)
	mux.HandleFunc("POST "+protocol.PathMerge, s.handleMerge)
	mux.HandleFunc(protocol.PathList, s.handleList)
	mux.HandleFunc(protocol.PathRead, s.handleRead)

	mux.HandleFunc("POST "+protocol.PathRegister, s.handleRegister)
	mux.HandleFunc("POST "+protocol.PathHeartbeat, s.handleHeartbeat)
	mux.HandleFunc("POST "+protocol.PathUnregister, s.handleUnregister)
	mux.HandleFunc("POST "+protocol.PathClientLeave, s.handleClientLeave)
	mux.HandleFunc("POST "+protocol.PathDeleteSession, s.handleDeleteSession)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, session.ErrInvalidSlots),
		errors.Is(err, session.ErrInvalidParticipant),
		errors.Is(err, session.ErrMergeNotAllowed),
		errors.Is(err, federation.ErrBadSignature):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrParticipantIP):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrParticipantNotFound),
		errors.Is(err, federation.ErrServerNotFound),
		errors.Is(err, federation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrParticipantTaken),
		errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, federation.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	protocol.WriteError(w, status, err.Error())
}

func intField(r *http.Request, name string, required bool) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%w: missing %s", ErrBadRequest, name)
		}
		return -1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrBadRequest, name, err)
	}
	return n, nil
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	slots, err := intField(r, protocol.FieldSlots, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.Create(r.Context(), r.FormValue(protocol.FieldGameID), slots, protocol.RemoteIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, info)
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	info, err := s.Join(r.Context(), r.FormValue(protocol.FieldSessionID), r.FormValue(protocol.FieldParticipantID), protocol.RemoteIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, info)
}

func (s *Service) handleJoinAny(w http.ResponseWriter, r *http.Request) {
	info, err := s.JoinAny(r.Context(), r.FormValue(protocol.FieldGameID), protocol.RemoteIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, info)
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
	err := s.Leave(r.Context(), r.FormValue(protocol.FieldSessionID), r.FormValue(protocol.FieldParticipantID), protocol.RemoteIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleMakePublic(w http.ResponseWriter, r *http.Request) {
	if err := s.MakePublic(r.Context(), r.FormValue(protocol.FieldSessionID)); err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request) {
	res, err := s.Merge(r.Context(), r.FormValue(protocol.FieldSessionA), r.FormValue(protocol.FieldSessionB))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, res)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	protocol.WriteOK(w, s.List(r.Context(), r.FormValue(protocol.FieldGameID)))
}

func (s *Service) handleRead(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Read(r.Context(), r.FormValue(protocol.FieldSessionID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, sum)
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	port, err := intField(r, protocol.FieldPort, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.RegisterServer(protocol.RemoteIP(r), r.FormValue(protocol.FieldHost), port, r.FormValue(protocol.FieldSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	players, err := intField(r, protocol.FieldPlayerCount, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sessions, err := intField(r, protocol.FieldSessionCount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.Heartbeat(protocol.RemoteIP(r), r.FormValue(protocol.FieldHost), players, sessions, r.FormValue(protocol.FieldSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	err := s.UnregisterServer(protocol.RemoteIP(r), r.FormValue(protocol.FieldHost), r.FormValue(protocol.FieldSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleClientLeave(w http.ResponseWriter, r *http.Request) {
	err := s.ClientLeft(protocol.RemoteIP(r), r.FormValue(protocol.FieldSessionID), r.FormValue(protocol.FieldParticipantID), r.FormValue(protocol.FieldSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.SessionDeleted(protocol.RemoteIP(r), r.FormValue(protocol.FieldSessionID), r.FormValue(protocol.FieldSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	protocol.WriteOK(w, protocol.Empty{})
}
