package relay

import (
	"net"
	"sync/atomic"
	"time"
)

// SetTCPKeepAlive turns on TCP keepalive probes every d for TCP
// connections. Other connection types and d <= 0 are left alone.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || d <= 0 {
		return
	}
	_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: d, Interval: d})
}

// connLimiter counts live participant connections and refuses new ones
// past limit. limit <= 0 admits everyone but still counts.
type connLimiter struct {
	limit int64
	n     atomic.Int64
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: int64(limit)}
}

// acquire takes a slot without waiting.
func (l *connLimiter) acquire() bool {
	if n := l.n.Add(1); l.limit > 0 && n > l.limit {
		l.n.Add(-1)
		return false
	}
	return true
}

func (l *connLimiter) release() { l.n.Add(-1) }

func (l *connLimiter) active() int64 { return l.n.Load() }
