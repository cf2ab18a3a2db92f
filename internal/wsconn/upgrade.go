// Package wsconn implements the per-socket WebSocket connection state
// machine on top of package wire: handshake negotiation for both protocol
// families, fragment reassembly, ping/pong and the close handshake.
package wsconn

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/philsphicas/gamerelay/internal/wire"
)

const (
	defaultQueueSize    = 256
	defaultCloseGrace   = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultHandshake    = 10 * time.Second
)

// HandshakeError is returned by Upgrade when the request is rejected
// before the socket is hijacked. Status is the HTTP status already sent.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

var (
	errNotUpgrade     = errors.New("not a websocket upgrade request")
	errMissingKey     = errors.New("missing or invalid Sec-WebSocket-Key")
	errLegacyDisabled = errors.New("legacy handshake disabled")
)

// Options configures a connection. Zero values select defaults.
type Options struct {
	Subprotocols []string      // server-supported subprotocols, in preference order
	AllowLegacy  bool          // accept requests without Sec-WebSocket-Version
	MaxPayload   int           // per-message limit (0 = wire.DefaultMaxPayload)
	QueueSize    int           // outbound messages buffered per connection
	CloseGrace   time.Duration // how long to wait for the peer's close
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the wait for the legacy challenge bytes.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // keepalive pings on standard connections (0 = off)
	Logger           *slog.Logger

	// OnMessage is called from the read goroutine for every complete
	// text or binary message.
	OnMessage func(c *Conn, msg wire.Message)
	// OnPong is called for every pong received. Optional.
	OnPong func(c *Conn, payload []byte)
	// OnClose is called exactly once when the connection reaches Closed.
	OnClose func(c *Conn)
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshake
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = wire.DefaultMaxPayload
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func reject(w http.ResponseWriter, status int, err error) error {
	if errors.Is(err, wire.ErrUnsupportedVersion) {
		w.Header().Set("Sec-WebSocket-Version", "13")
	}
	http.Error(w, http.StatusText(status), status)
	return &HandshakeError{Status: status, Err: err}
}

func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Upgrade negotiates the protocol family from r, hijacks the socket and
// writes the 101 response. On success the returned Conn is Open and must
// be driven with Serve.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	opts.setDefaults()

	if r.Method != http.MethodGet ||
		!headerContains(r.Header, "Upgrade", "websocket") ||
		!headerContains(r.Header, "Connection", "upgrade") {
		return nil, reject(w, http.StatusBadRequest, errNotUpgrade)
	}
	family, err := wire.ParseVersion(r.Header.Get("Sec-WebSocket-Version"))
	if err != nil {
		return nil, reject(w, http.StatusBadRequest, err)
	}
	subprotocol := wire.SelectSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"), opts.Subprotocols)

	var key string
	switch family {
	case wire.Standard:
		key = r.Header.Get("Sec-WebSocket-Key")
		if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
			return nil, reject(w, http.StatusBadRequest, errMissingKey)
		}
	case wire.Legacy:
		if !opts.AllowLegacy {
			return nil, reject(w, http.StatusBadRequest, errLegacyDisabled)
		}
		if r.Header.Get("Sec-WebSocket-Key1") == "" || r.Header.Get("Sec-WebSocket-Key2") == "" {
			return nil, reject(w, http.StatusBadRequest, errMissingKey)
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, reject(w, http.StatusInternalServerError, errors.New("response writer does not support hijacking"))
	}
	netConn, brw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}
	_ = netConn.SetDeadline(time.Time{})

	var resp []byte
	if family == wire.Standard {
		resp = wire.StandardResponse(key, subprotocol)
	} else {
		_ = netConn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
		resp, err = legacyHandshake(r, brw.Reader, subprotocol)
		if err != nil {
			netConn.Close() //nolint:errcheck // best-effort cleanup
			return nil, err
		}
		_ = netConn.SetReadDeadline(time.Time{})
	}
	_ = netConn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	if _, err := netConn.Write(resp); err != nil {
		netConn.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("write handshake response: %w", err)
	}
	_ = netConn.SetWriteDeadline(time.Time{})

	c := newConn(netConn, brw.Reader, family, opts)
	c.subprotocol = subprotocol
	c.remoteIP = hostOnly(r.RemoteAddr)
	c.path = r.URL.Path
	return c, nil
}

// legacyHandshake reads the 8 challenge bytes that follow the request
// headers and builds the response.
func legacyHandshake(r *http.Request, br *bufio.Reader, subprotocol string) ([]byte, error) {
	var key3 [8]byte
	if _, err := io.ReadFull(br, key3[:]); err != nil {
		return nil, fmt.Errorf("read legacy key3: %w", err)
	}
	challenge, err := wire.LegacyChallenge(r.Header.Get("Sec-WebSocket-Key1"), r.Header.Get("Sec-WebSocket-Key2"), key3[:])
	if err != nil {
		return nil, err
	}
	location := "ws://" + r.Host + r.URL.RequestURI()
	return wire.LegacyResponse(r.Header.Get("Origin"), location, subprotocol, challenge), nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
