package federation

import (
	"net"
	"slices"
	"strconv"
	"sync"
	"time"
)

// UsableWindow is how long a registered server stays eligible for new
// sessions after its last heartbeat.
const UsableWindow = 80 * time.Second

// RegisteredServer is a relay known to the matchmaker.
type RegisteredServer struct {
	Key           string // declared host, or the registering address
	Host          string
	Port          int
	LastHeartbeat time.Time
	Players       int
	Sessions      int
}

// Addr returns host:port for clients.
func (s RegisteredServer) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerTable tracks registered relays. Entries are only removed by
// Unregister; stale ones are skipped by Pick.
type ServerTable struct {
	mu      sync.Mutex
	servers map[string]*RegisteredServer
	now     func() time.Time
}

// NewServerTable returns an empty table.
func NewServerTable() *ServerTable {
	return &ServerTable{servers: make(map[string]*RegisteredServer), now: time.Now}
}

// Register adds or refreshes a server. Registration counts as a heartbeat.
func (t *ServerTable) Register(key, host string, port int) RegisteredServer {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.servers[key]
	if !ok {
		s = &RegisteredServer{Key: key}
		t.servers[key] = s
	}
	s.Host = host
	s.Port = port
	s.LastHeartbeat = t.now()
	return *s
}

// Heartbeat records liveness and load for a registered server.
func (t *ServerTable) Heartbeat(key string, players, sessions int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.servers[key]
	if !ok {
		return ErrServerNotFound
	}
	s.LastHeartbeat = t.now()
	s.Players = players
	if sessions >= 0 {
		s.Sessions = sessions
	}
	return nil
}

// Unregister removes a server.
func (t *ServerTable) Unregister(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.servers[key]; !ok {
		return ErrServerNotFound
	}
	delete(t.servers, key)
	return nil
}

// Get returns a server by key.
func (t *ServerTable) Get(key string) (RegisteredServer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.servers[key]
	if !ok {
		return RegisteredServer{}, false
	}
	return *s, true
}

// Pick returns the usable server with the most recent heartbeat.
func (t *ServerTable) Pick() (RegisteredServer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var best *RegisteredServer
	for _, s := range t.servers {
		if now.Sub(s.LastHeartbeat) >= UsableWindow {
			continue
		}
		if best == nil || s.LastHeartbeat.After(best.LastHeartbeat) ||
			(s.LastHeartbeat.Equal(best.LastHeartbeat) && s.Key < best.Key) {
			best = s
		}
	}
	if best == nil {
		return RegisteredServer{}, false
	}
	return *best, true
}

// List returns every registered server ordered by key.
func (t *ServerTable) List() []RegisteredServer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RegisteredServer, 0, len(t.servers))
	for _, s := range t.servers {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b RegisteredServer) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of registered servers.
func (t *ServerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.servers)
}
