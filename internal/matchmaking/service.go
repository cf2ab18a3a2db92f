// Package matchmaking implements the session API: creating, joining,
// leaving, listing and merging sessions, and the matchmaker side of the
// federation protocol.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/philsphicas/gamerelay/internal/federation"
	"github.com/philsphicas/gamerelay/internal/metrics"
	"github.com/philsphicas/gamerelay/internal/protocol"
	"github.com/philsphicas/gamerelay/internal/session"
)

const (
	defaultStatusConcurrency = 8
	deleteTimeout            = 8 * time.Second
)

// ErrBadRequest marks missing or malformed parameters.
var ErrBadRequest = errors.New("bad request")

// Config holds parameters for a Service.
type Config struct {
	Registry *session.Registry
	// RelayAddr is the host:port clients use for sessions hosted by this
	// process.
	RelayAddr string
	// Servers enables federation: new sessions go to the freshest
	// registered relay. Nil keeps every session local.
	Servers *federation.ServerTable
	Client  *federation.Client
	Signer  *federation.Signer
	// StatusConcurrency bounds parallel relay status calls per request.
	StatusConcurrency int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Service implements the matchmaking operations. Registry mutations are
// atomic; network calls happen outside the registry lock.
type Service struct {
	cfg    Config
	reg    *session.Registry
	logger *slog.Logger

	wg sync.WaitGroup // async relay deletions
}

// NewService returns a Service. cfg.Registry is required; Client and
// Signer are required when Servers is set.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusConcurrency <= 0 {
		cfg.StatusConcurrency = defaultStatusConcurrency
	}
	return &Service{cfg: cfg, reg: cfg.Registry, logger: cfg.Logger}
}

// Wait blocks until background relay calls have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) federated() bool {
	return s.cfg.Servers != nil && s.cfg.Client != nil && s.cfg.Signer != nil
}

// relayFor resolves where clients of inf connect.
func (s *Service) relayFor(inf session.Info) (federation.RegisteredServer, string, error) {
	if inf.Remote == "" {
		return federation.RegisteredServer{}, s.cfg.RelayAddr, nil
	}
	if !s.federated() {
		return federation.RegisteredServer{}, "", federation.ErrUnavailable
	}
	srv, ok := s.cfg.Servers.Get(inf.Remote)
	if !ok {
		return federation.RegisteredServer{}, "", fmt.Errorf("%w: relay %s is gone", federation.ErrUnavailable, inf.Remote)
	}
	return srv, srv.Addr(), nil
}

func (s *Service) joined(inf session.Info, pid, ip string) (protocol.SessionInfo, error) {
	_, addr, err := s.relayFor(inf)
	if err != nil {
		// Undo the join: the client has nowhere to connect.
		s.reg.RemoveParticipant(inf.ID, pid, session.ReasonLeave) //nolint:errcheck
		return protocol.SessionInfo{}, err
	}
	out := protocol.SessionInfo{
		Relay:            addr,
		SessionID:        inf.ID,
		ParticipantID:    pid,
		ParticipantCount: inf.Participants,
	}
	if inf.Remote != "" {
		out.Ticket = s.cfg.Signer.Ticket(ip, inf.ID, pid)
	}
	return out, nil
}

// Create allocates a session with the caller as its first participant.
// With federation enabled the session is placed on the registered relay
// with the most recent heartbeat.
func (s *Service) Create(_ context.Context, gameID string, slots int, ip string) (protocol.SessionInfo, error) {
	if gameID == "" {
		return protocol.SessionInfo{}, fmt.Errorf("%w: missing game_id", ErrBadRequest)
	}
	var remote *session.RemoteRelay
	if s.federated() {
		if srv, ok := s.cfg.Servers.Pick(); ok {
			remote = &session.RemoteRelay{Host: srv.Key}
		}
	}
	inf, pid, err := s.reg.Create(gameID, slots, ip, remote)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	s.logger.Info("session created", "session", inf.ID, "game", gameID, "slots", slots, "relay", inf.Remote)
	return s.joined(inf, pid, ip)
}

// Join adds the caller to a session, minting a participant id when none
// is given. Rejoining with a known id is allowed only from the address
// that first joined.
func (s *Service) Join(_ context.Context, sessionID, participantID, ip string) (protocol.SessionInfo, error) {
	if sessionID == "" {
		return protocol.SessionInfo{}, fmt.Errorf("%w: missing session_id", ErrBadRequest)
	}
	inf, pid, err := s.reg.Join(sessionID, participantID, ip)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	return s.joined(inf, pid, ip)
}

// JoinAny joins a public session of gameID with room. The zero
// SessionInfo means nothing matched.
func (s *Service) JoinAny(_ context.Context, gameID, ip string) (protocol.SessionInfo, error) {
	if gameID == "" {
		return protocol.SessionInfo{}, fmt.Errorf("%w: missing game_id", ErrBadRequest)
	}
	inf, pid, ok, err := s.reg.JoinAny(gameID, ip)
	if err != nil || !ok {
		return protocol.SessionInfo{}, err
	}
	return s.joined(inf, pid, ip)
}

// Leave removes the caller from a session. When that empties a session
// hosted on a federated relay, the relay is told to drop it in the
// background.
func (s *Service) Leave(_ context.Context, sessionID, participantID, ip string) error {
	if sessionID == "" || participantID == "" {
		return fmt.Errorf("%w: missing session_id or participant_id", ErrBadRequest)
	}
	ev, err := s.reg.Leave(sessionID, participantID, ip)
	if err != nil {
		return err
	}
	if ev.SessionDeleted && ev.Remote != nil {
		s.deleteRemote(ev.Remote.Host, sessionID)
	}
	return nil
}

func (s *Service) deleteRemote(key, sessionID string) {
	if !s.federated() {
		return
	}
	srv, ok := s.cfg.Servers.Get(key)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		err := s.cfg.Client.DeleteSession(ctx, srv.Addr(), srv.Key, sessionID)
		if err != nil && !errors.Is(err, federation.ErrNotFound) {
			s.logger.Warn("relay session delete failed", "relay", srv.Key, "session", sessionID, "error", err)
		}
	}()
}

// MakePublic lists a session for JoinAny and Merge.
func (s *Service) MakePublic(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrBadRequest)
	}
	_, err := s.reg.SetPublic(sessionID)
	return err
}

func (s *Service) summary(inf session.Info) protocol.SessionSummary {
	_, addr, _ := s.relayFor(inf)
	return protocol.SessionSummary{
		SessionID:        inf.ID,
		GameID:           inf.GameID,
		Slots:            inf.Slots,
		ParticipantCount: inf.Participants,
		Public:           inf.Public,
		Relay:            addr,
	}
}

// refresh replaces the participant counts of remote-hosted sessions with
// the hosting relay's live counts. Failures keep the local count.
func (s *Service) refresh(ctx context.Context, infos []session.Info) []protocol.SessionSummary {
	out := make([]protocol.SessionSummary, len(infos))
	sem := make(chan struct{}, s.cfg.StatusConcurrency)
	var wg sync.WaitGroup
	for i, inf := range infos {
		out[i] = s.summary(inf)
		if inf.Remote == "" || !s.federated() {
			continue
		}
		srv, ok := s.cfg.Servers.Get(inf.Remote)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			st, err := s.cfg.Client.Status(ctx, srv.Addr(), srv.Key, sessionID)
			switch {
			case err == nil && st.Exists:
				out[i].ParticipantCount = st.ParticipantCount
			case err != nil && !errors.Is(err, federation.ErrNotFound):
				s.logger.Warn("relay status failed, using local count", "relay", srv.Key, "session", sessionID, "error", err)
			}
		}(i, inf.ID)
	}
	wg.Wait()
	return out
}

// List returns the sessions of gameID, or of every game when gameID is
// empty.
func (s *Service) List(ctx context.Context, gameID string) []protocol.SessionSummary {
	return s.refresh(ctx, s.reg.List(gameID))
}

// Read returns one session.
func (s *Service) Read(ctx context.Context, sessionID string) (protocol.SessionSummary, error) {
	if sessionID == "" {
		return protocol.SessionSummary{}, fmt.Errorf("%w: missing session_id", ErrBadRequest)
	}
	inf, err := s.reg.Get(sessionID)
	if err != nil {
		return protocol.SessionSummary{}, err
	}
	return s.refresh(ctx, []session.Info{inf})[0], nil
}

// Merge combines two public sessions of the same game on the same relay.
// For remote-hosted sessions the relay must confirm before the local
// bookkeeping changes.
func (s *Service) Merge(ctx context.Context, a, b string) (protocol.MergeResult, error) {
	if a == "" || b == "" {
		return protocol.MergeResult{}, fmt.Errorf("%w: missing session_a or session_b", ErrBadRequest)
	}
	dst, _, err := s.reg.MergeEligible(a, b)
	if err != nil {
		return protocol.MergeResult{}, err
	}
	if dst.Remote == "" {
		inf, err := s.reg.Merge(a, b)
		if err != nil {
			return protocol.MergeResult{}, err
		}
		return protocol.MergeResult{SessionID: inf.ID, ParticipantCount: inf.Participants}, nil
	}

	// Joins are refused while the relay applies the merge, so the
	// combined size cannot outgrow the smaller slot count.
	dst, src, err := s.reg.ReserveMerge(a, b)
	if err != nil {
		return protocol.MergeResult{}, err
	}
	srv, _, err := s.relayFor(dst)
	if err != nil {
		s.reg.CancelMerge(dst.ID, src.ID)
		return protocol.MergeResult{}, err
	}
	if _, err := s.cfg.Client.Merge(ctx, srv.Addr(), dst.ID, src.ID); err != nil {
		s.reg.CancelMerge(dst.ID, src.ID)
		s.logger.Warn("remote merge failed", "relay", srv.Key, "into", dst.ID, "from", src.ID, "error", err)
		if errors.Is(err, federation.ErrUnavailable) {
			return protocol.MergeResult{}, err
		}
		return protocol.MergeResult{}, fmt.Errorf("%w: %v", federation.ErrUnavailable, err)
	}
	inf, err := s.reg.FinishMerge(dst.ID, src.ID)
	if err != nil {
		return protocol.MergeResult{}, err
	}
	s.logger.Info("sessions merged", "relay", srv.Key, "into", inf.ID, "from", src.ID)
	return protocol.MergeResult{SessionID: inf.ID, ParticipantCount: inf.Participants}, nil
}

// serverKey is the table key for a request from ip that declared host.
func serverKey(ip, host string) string {
	if host != "" {
		return host
	}
	return ip
}

// RegisterServer files the relay at ip under its declared host or ip.
func (s *Service) RegisterServer(ip, host string, port int, sig string) error {
	if !s.federated() {
		return federation.ErrServerNotFound
	}
	if err := s.cfg.Signer.Verify(sig, ip); err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port", ErrBadRequest)
	}
	key := serverKey(ip, host)
	s.cfg.Servers.Register(key, key, port)
	s.cfg.Metrics.SetRegisteredServers(s.cfg.Servers.Len())
	s.logger.Info("relay registered", "key", key, "port", port)
	return nil
}

// Heartbeat refreshes a registered relay. sessions < 0 means the relay
// did not report a session count.
func (s *Service) Heartbeat(ip, host string, players, sessions int, sig string) error {
	if !s.federated() {
		return federation.ErrServerNotFound
	}
	if err := s.cfg.Signer.Verify(sig, heartbeatParts(ip, players, sessions)...); err != nil {
		return err
	}
	return s.cfg.Servers.Heartbeat(serverKey(ip, host), players, sessions)
}

func heartbeatParts(ip string, players, sessions int) []string {
	parts := []string{ip, strconv.Itoa(players)}
	if sessions >= 0 {
		parts = append(parts, strconv.Itoa(sessions))
	}
	return parts
}

// UnregisterServer removes a relay from the table.
func (s *Service) UnregisterServer(ip, host, sig string) error {
	if !s.federated() {
		return federation.ErrServerNotFound
	}
	if err := s.cfg.Signer.Verify(sig, ip); err != nil {
		return err
	}
	key := serverKey(ip, host)
	if err := s.cfg.Servers.Unregister(key); err != nil {
		return err
	}
	s.cfg.Metrics.SetRegisteredServers(s.cfg.Servers.Len())
	s.logger.Info("relay unregistered", "key", key)
	return nil
}

// ClientLeft handles a relay's report that a participant disconnected.
func (s *Service) ClientLeft(ip, sessionID, participantID, sig string) error {
	if !s.federated() {
		return federation.ErrServerNotFound
	}
	if err := s.cfg.Signer.Verify(sig, ip, sessionID, participantID); err != nil {
		return err
	}
	_, err := s.reg.RemoveParticipant(sessionID, participantID, session.ReasonDisconnect)
	return err
}

// SessionDeleted handles a relay's report that a session emptied out.
func (s *Service) SessionDeleted(ip, sessionID, sig string) error {
	if !s.federated() {
		return federation.ErrServerNotFound
	}
	if err := s.cfg.Signer.Verify(sig, ip, sessionID); err != nil {
		return err
	}
	return s.reg.Remove(sessionID)
}
