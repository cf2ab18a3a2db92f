package relay

import (
	"net"
	"testing"
	"time"
)

func TestConnLimiter(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  []bool
	}{
		{"unlimited", 0, []bool{true, true, true}},
		{"limited", 2, []bool{true, true, false}},
		{"negative", -1, []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newConnLimiter(tt.limit)
			for i, want := range tt.want {
				if got := l.acquire(); got != want {
					t.Errorf("acquire %d = %v, want %v", i, got, want)
				}
			}
		})
	}

	l := newConnLimiter(1)
	l.acquire()
	if l.acquire() {
		t.Fatal("second acquire succeeded")
	}
	if got := l.active(); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	l.release()
	if !l.acquire() {
		t.Error("acquire after release failed")
	}
}

func TestSetTCPKeepAlive(t *testing.T) {
	// Non-TCP connections are ignored.
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	SetTCPKeepAlive(a, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	SetTCPKeepAlive(c, 15*time.Second)
	SetTCPKeepAlive(c, 0)
}
