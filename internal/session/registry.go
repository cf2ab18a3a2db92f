// Package session holds the in-memory table of game sessions and routes
// data messages between the participants attached to them.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/philsphicas/gamerelay/internal/metrics"
	"github.com/philsphicas/gamerelay/internal/wire"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantIP       = errors.New("participant address mismatch")
	ErrSessionFull         = errors.New("session is full")
	ErrInvalidSlots        = errors.New("slot count must be positive")
	ErrMergeNotAllowed     = errors.New("sessions cannot be merged")
	ErrParticipantTaken    = errors.New("participant id is in use by another session")
	ErrInvalidParticipant  = errors.New("participant id contains a reserved character")
	ErrSessionBusy         = errors.New("session is being merged")
)

// participantIDReserved are the separators of the relay path and of
// signed federation payloads.
const participantIDReserved = ":,/"

// Peer is the live transport of an attached participant.
type Peer interface {
	Family() wire.Family
	// Send queues an already-encoded frame without blocking.
	Send(encoded []byte) error
	Abort()
}

// RemoteRelay identifies the federated relay hosting a session.
type RemoteRelay struct {
	Host string
}

// RemoveReason says why a participant left its session.
type RemoveReason string

const (
	ReasonLeave      RemoveReason = RemoveReason(metrics.RemovedLeave)
	ReasonDisconnect RemoveReason = RemoveReason(metrics.RemovedDisconnect)
	ReasonDelivery   RemoveReason = RemoveReason(metrics.RemovedDelivery)
	ReasonDeleted    RemoveReason = RemoveReason(metrics.RemovedDeleted)
)

// RemoveEvent is passed to Options.OnRemove after the registry lock has
// been released.
type RemoveEvent struct {
	SessionID      string
	ParticipantID  string
	Reason         RemoveReason
	SessionDeleted bool
	Remote         *RemoteRelay
}

// Options configures a Registry.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnRemove is called once per removed participant.
	OnRemove func(RemoveEvent)
	// NewSessionID mints session ids. Defaults to random UUIDs.
	NewSessionID func() string
}

// Session is one group of participants. Fields are guarded by the owning
// registry's mutex.
type Session struct {
	ID      string
	GameID  string
	Slots   int // 0 on relay-adopted sessions: capacity is enforced upstream
	Public  bool
	Remote  *RemoteRelay
	members map[string]*Member
	seq     uint64
	merging bool
}

// Member is a participant of a session.
type Member struct {
	ID      string
	IP      string
	session *Session
	peer    Peer
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID           string
	GameID       string
	Slots        int
	Participants int
	Public       bool
	Remote       string
}

func (s *Session) info() Info {
	inf := Info{
		ID:           s.ID,
		GameID:       s.GameID,
		Slots:        s.Slots,
		Participants: len(s.members),
		Public:       s.Public,
	}
	if s.Remote != nil {
		inf.Remote = s.Remote.Host
	}
	return inf
}

func (s *Session) hasRoom() bool {
	return s.Slots == 0 || len(s.members) < s.Slots
}

// Registry owns every session of the process. All methods are safe for
// concurrent use; hooks and peer aborts run after the lock is released.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
	pids     map[string]int // participant id -> number of sessions holding it
	nextPID  uint64
	nextSeq  uint64
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	return &Registry{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		sessions: make(map[string]*Session),
		pids:     make(map[string]int),
	}
}

// pending collects side effects produced under the lock.
type pending struct {
	events []RemoveEvent
	aborts []Peer
}

func (r *Registry) flush(p pending) {
	for _, peer := range p.aborts {
		peer.Abort()
	}
	for _, ev := range p.events {
		r.metrics.ParticipantRemoved(string(ev.Reason))
		if r.opts.OnRemove != nil {
			r.opts.OnRemove(ev)
		}
	}
}

// mintPID returns the next counter value not held by any participant.
// Supplied ids may have claimed counter values ahead of the counter.
func (r *Registry) mintPID() string {
	for {
		r.nextPID++
		pid := strconv.FormatUint(r.nextPID, 10)
		if r.pids[pid] == 0 {
			return pid
		}
	}
}

func (r *Registry) releasePIDLocked(pid string) {
	if r.pids[pid] <= 1 {
		delete(r.pids, pid)
		return
	}
	r.pids[pid]--
}

// removeLocked drops m from its session and deletes the session when it
// becomes empty. The caller holds r.mu.
func (r *Registry) removeLocked(m *Member, reason RemoveReason, p *pending) {
	s := m.session
	if s == nil || s.members[m.ID] != m {
		return
	}
	delete(s.members, m.ID)
	r.releasePIDLocked(m.ID)
	if m.peer != nil {
		p.aborts = append(p.aborts, m.peer)
		m.peer = nil
	}
	m.session = nil
	deleted := len(s.members) == 0
	if deleted {
		delete(r.sessions, s.ID)
		r.metrics.SessionDeleted(s.GameID)
		r.logger.Debug("session deleted", "session", s.ID)
	}
	p.events = append(p.events, RemoveEvent{
		SessionID:      s.ID,
		ParticipantID:  m.ID,
		Reason:         reason,
		SessionDeleted: deleted,
		Remote:         s.Remote,
	})
}

func (r *Registry) lookupLocked(sessionID string) (*Session, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (r *Registry) addLocked(s *Session, pid, ip string) *Member {
	m := &Member{ID: pid, IP: ip, session: s}
	s.members[pid] = m
	r.pids[pid]++
	return m
}

// Create allocates a session with the caller as its first participant.
func (r *Registry) Create(gameID string, slots int, ip string, remote *RemoteRelay) (Info, string, error) {
	if slots <= 0 {
		return Info{}, "", ErrInvalidSlots
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.opts.NewSessionID()
	for r.sessions[id] != nil {
		id = r.opts.NewSessionID()
	}
	r.nextSeq++
	s := &Session{
		ID:      id,
		GameID:  gameID,
		Slots:   slots,
		Remote:  remote,
		members: make(map[string]*Member),
		seq:     r.nextSeq,
	}
	r.sessions[id] = s
	pid := r.mintPID()
	r.addLocked(s, pid, ip)
	r.metrics.SessionCreated(gameID)
	r.logger.Debug("session created", "session", id, "game", gameID, "slots", slots)
	return s.info(), pid, nil
}

// Join adds a participant to a session. An empty participantID mints a
// new one. A known participantID is an idempotent rejoin, allowed only
// from the address it first joined from. An unknown participantID is
// taken as given unless another session already holds it.
func (r *Registry) Join(sessionID, participantID, ip string) (Info, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(sessionID)
	if err != nil {
		return Info{}, "", err
	}
	return r.joinLocked(s, participantID, ip)
}

func (r *Registry) joinLocked(s *Session, participantID, ip string) (Info, string, error) {
	if participantID != "" {
		if m, ok := s.members[participantID]; ok {
			if m.IP != ip {
				return Info{}, "", ErrParticipantIP
			}
			return s.info(), m.ID, nil
		}
		if strings.ContainsAny(participantID, participantIDReserved) {
			return Info{}, "", ErrInvalidParticipant
		}
		if r.pids[participantID] > 0 {
			return Info{}, "", ErrParticipantTaken
		}
	}
	if s.merging {
		return Info{}, "", ErrSessionBusy
	}
	if !s.hasRoom() {
		return Info{}, "", ErrSessionFull
	}
	pid := participantID
	if pid == "" {
		pid = r.mintPID()
	}
	r.addLocked(s, pid, ip)
	return s.info(), pid, nil
}

// JoinAny joins the oldest public session of gameID that has a free slot.
// ok is false when no session qualifies.
func (r *Registry) JoinAny(gameID, ip string) (inf Info, pid string, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Session
	for _, s := range r.sessions {
		if s.GameID != gameID || !s.Public || s.Slots == 0 || s.merging || !s.hasRoom() {
			continue
		}
		if best == nil || s.seq < best.seq {
			best = s
		}
	}
	if best == nil {
		return Info{}, "", false, nil
	}
	inf, pid, err = r.joinLocked(best, "", ip)
	return inf, pid, err == nil, err
}

// Leave removes a participant after checking its pinned address.
func (r *Registry) Leave(sessionID, participantID, ip string) (RemoveEvent, error) {
	r.mu.Lock()
	s, err := r.lookupLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return RemoveEvent{}, err
	}
	m, ok := s.members[participantID]
	if !ok {
		r.mu.Unlock()
		return RemoveEvent{}, ErrParticipantNotFound
	}
	if m.IP != ip {
		r.mu.Unlock()
		return RemoveEvent{}, ErrParticipantIP
	}
	var p pending
	r.removeLocked(m, ReasonLeave, &p)
	r.mu.Unlock()

	r.flush(p)
	return p.events[0], nil
}

// RemoveParticipant removes a participant without an address check. It
// serves notifications from the relay that hosts the session.
func (r *Registry) RemoveParticipant(sessionID, participantID string, reason RemoveReason) (RemoveEvent, error) {
	r.mu.Lock()
	s, err := r.lookupLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return RemoveEvent{}, err
	}
	m, ok := s.members[participantID]
	if !ok {
		r.mu.Unlock()
		return RemoveEvent{}, ErrParticipantNotFound
	}
	var p pending
	r.removeLocked(m, reason, &p)
	r.mu.Unlock()

	r.flush(p)
	return p.events[0], nil
}

// Remove deletes a whole session and aborts its attached peers.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	s, err := r.lookupLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var p pending
	for _, m := range r.sortedMembers(s) {
		r.removeLocked(m, ReasonDeleted, &p)
	}
	r.mu.Unlock()

	r.flush(p)
	return nil
}

func (r *Registry) sortedMembers(s *Session) []*Member {
	ms := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(a, b *Member) int { return comparePID(a.ID, b.ID) })
	return ms
}

// comparePID orders numeric ids numerically and everything else lexically.
func comparePID(a, b string) int {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Adopt records a ticketed participant on a relay that has not seen the
// session before. Adopted sessions have no slot limit of their own.
func (r *Registry) Adopt(sessionID, participantID, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.nextSeq++
		s = &Session{ID: sessionID, members: make(map[string]*Member), seq: r.nextSeq}
		r.sessions[sessionID] = s
		r.metrics.SessionCreated(s.GameID)
		r.logger.Debug("session adopted", "session", sessionID)
	}
	if m, ok := s.members[participantID]; ok {
		m.IP = ip
		return
	}
	r.addLocked(s, participantID, ip)
}

// Check reports whether participantID is a member of sessionID pinned to
// ip.
func (r *Registry) Check(sessionID, participantID, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(sessionID)
	if err != nil {
		return err
	}
	m, ok := s.members[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	if m.IP != ip {
		return ErrParticipantIP
	}
	return nil
}

// Attach binds a live peer to an existing participant. A previously bound
// peer is aborted.
func (r *Registry) Attach(sessionID, participantID string, peer Peer) (*Member, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s, err := r.lookupLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	m, ok := s.members[participantID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrParticipantNotFound
	}
	old := m.peer
	m.peer = peer
	r.mu.Unlock()

	if old != nil && old != peer {
		r.logger.Debug("participant reconnected, dropping previous connection", "session", sessionID, "participant", participantID)
		r.metrics.ParticipantRemoved(metrics.RemovedReplaced)
		old.Abort()
	}
	return m, nil
}

// Detach removes m from its session if peer is still the one bound to it.
// A peer that was replaced by a reconnect detaches as a no-op.
func (r *Registry) Detach(m *Member, peer Peer) {
	r.detach(m, peer, ReasonDisconnect)
}

func (r *Registry) detach(m *Member, peer Peer, reason RemoveReason) {
	r.mu.Lock()
	if m.peer != peer {
		r.mu.Unlock()
		return
	}
	var p pending
	r.removeLocked(m, reason, &p)
	r.mu.Unlock()

	r.flush(p)
}

// SetPublic makes a session eligible for JoinAny and Merge.
func (r *Registry) SetPublic(sessionID string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.Public = true
	return s.info(), nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List returns snapshots of all sessions of gameID (all sessions when
// gameID is empty) in creation order.
func (r *Registry) List(gameID string) []Info {
	r.mu.Lock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if gameID == "" || s.GameID == gameID {
			ss = append(ss, s)
		}
	}
	slices.SortFunc(ss, func(a, b *Session) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]Info, len(ss))
	for i, s := range ss {
		out[i] = s.info()
	}
	r.mu.Unlock()
	return out
}

// Stats returns the number of sessions and participants.
func (r *Registry) Stats() (sessions, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		participants += len(s.members)
	}
	return len(r.sessions), participants
}

// MergeEligible reports whether a and b may be merged and, if so, which
// one is the destination. Both must be public sessions of the same game on
// the same relay whose combined size fits the smaller slot count.
func (r *Registry) MergeEligible(a, b string) (dst, src Info, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, s, err := r.eligibleLocked(a, b)
	if err != nil {
		return Info{}, Info{}, err
	}
	return d.info(), s.info(), nil
}

func (r *Registry) eligibleLocked(a, b string) (dst, src *Session, err error) {
	if a == b {
		return nil, nil, ErrMergeNotAllowed
	}
	sa, err := r.lookupLocked(a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := r.lookupLocked(b)
	if err != nil {
		return nil, nil, err
	}
	if !sa.Public || !sb.Public || sa.GameID != sb.GameID || sa.merging || sb.merging {
		return nil, nil, ErrMergeNotAllowed
	}
	if sa.info().Remote != sb.info().Remote {
		return nil, nil, ErrMergeNotAllowed
	}
	if len(sa.members)+len(sb.members) > min(sa.Slots, sb.Slots) {
		return nil, nil, ErrMergeNotAllowed
	}
	dst, src = sa, sb
	if len(sb.members) > len(sa.members) || (len(sb.members) == len(sa.members) && sb.ID < sa.ID) {
		dst, src = sb, sa
	}
	return dst, src, nil
}

// Merge checks eligibility and moves every participant of the smaller
// session into the larger one. It returns the surviving session.
func (r *Registry) Merge(a, b string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dst, src, err := r.eligibleLocked(a, b)
	if err != nil {
		return Info{}, err
	}
	r.moveLocked(dst, src)
	return dst.info(), nil
}

// ReserveMerge checks eligibility like MergeEligible and holds both
// sessions closed to joins until FinishMerge or CancelMerge. It covers a
// merge that must first be applied on a remote relay.
func (r *Registry) ReserveMerge(a, b string) (dst, src Info, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, s, err := r.eligibleLocked(a, b)
	if err != nil {
		return Info{}, Info{}, err
	}
	d.merging, s.merging = true, true
	return d.info(), s.info(), nil
}

// CancelMerge reopens sessions held by ReserveMerge.
func (r *Registry) CancelMerge(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			s.merging = false
		}
	}
}

// FinishMerge moves src into dst after a ReserveMerge. Either session may
// have emptied while held.
func (r *Registry) FinishMerge(dst, src string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sd, ok := r.sessions[dst]
	ss, sok := r.sessions[src]
	if ok {
		sd.merging = false
	}
	if sok {
		ss.merging = false
	}
	switch {
	case !ok && !sok:
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, dst)
	case !sok:
		return sd.info(), nil
	case !ok:
		r.renameLocked(ss, dst)
		return ss.info(), nil
	}
	r.moveLocked(sd, ss)
	return sd.info(), nil
}

// Absorb moves every participant of src into dst without eligibility
// checks. Relays use it to apply a merge decided by their matchmaker.
func (r *Registry) Absorb(dst, src string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dst == src {
		return Info{}, ErrMergeNotAllowed
	}
	sd, ok := r.sessions[dst]
	ss, sok := r.sessions[src]
	switch {
	case !ok && !sok:
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, dst)
	case !sok:
		// No participant of src connected here yet.
		return sd.info(), nil
	case !ok:
		r.renameLocked(ss, dst)
		return ss.info(), nil
	}
	r.moveLocked(sd, ss)
	return sd.info(), nil
}

func (r *Registry) renameLocked(s *Session, id string) {
	delete(r.sessions, s.ID)
	s.ID = id
	r.sessions[id] = s
}

// moveLocked hands every member of src to dst. A member id present in
// both keeps the dst member; the src duplicate is dropped.
func (r *Registry) moveLocked(dst, src *Session) {
	for id, m := range src.members {
		if _, dup := dst.members[id]; dup {
			r.releasePIDLocked(id)
			m.session = nil
			if m.peer != nil {
				go m.peer.Abort()
				m.peer = nil
			}
			continue
		}
		m.session = dst
		dst.members[id] = m
	}
	src.members = nil
	delete(r.sessions, src.ID)
	r.metrics.SessionDeleted(src.GameID)
	r.logger.Debug("sessions merged", "into", dst.ID, "from", src.ID, "participants", len(dst.members))
}

// Close aborts every attached peer. The registry rejects attaches
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var peers []Peer
	for _, s := range r.sessions {
		for _, m := range s.members {
			if m.peer != nil {
				peers = append(peers, m.peer)
			}
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Abort()
	}
}
