package wsconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/gamerelay/internal/wire"
)

// State is the lifecycle state of a connection.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// CloseNormal is the status code sent with a server-initiated close.
const CloseNormal = 1000

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("outbound queue full")
)

// Conn is one WebSocket connection. Reads happen on the goroutine running
// Serve; writes of data messages go through a bounded queue drained by a
// single writer goroutine, so messages queued by one caller are written
// in order.
type Conn struct {
	opts        Options
	logger      *slog.Logger
	netConn     net.Conn
	reader      *wire.Reader
	asm         wire.Assembler
	family      wire.Family
	subprotocol string
	remoteIP    string
	path        string

	state     atomic.Int32
	writeMu   sync.Mutex
	closeSent bool // guarded by writeMu
	out       chan []byte
	done      chan struct{}
	abortOnce sync.Once
	finalOnce sync.Once

	timerMu sync.Mutex
	grace   *time.Timer
}

func newConn(netConn net.Conn, br *bufio.Reader, family wire.Family, opts Options) *Conn {
	opts.setDefaults()
	c := &Conn{
		opts:    opts,
		netConn: netConn,
		reader:  wire.NewReader(br, opts.MaxPayload),
		family:  family,
		out:     make(chan []byte, opts.QueueSize),
		done:    make(chan struct{}),
	}
	c.asm.MaxPayload = opts.MaxPayload
	c.logger = opts.Logger.With("remote", netConn.RemoteAddr().String(), "family", family.String())
	c.state.Store(int32(Open))
	return c
}

// Family returns the negotiated protocol family.
func (c *Conn) Family() wire.Family { return c.family }

// Subprotocol returns the negotiated subprotocol, or "".
func (c *Conn) Subprotocol() string { return c.subprotocol }

// RemoteIP returns the peer's IP address as seen by the server.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// Path returns the request path the connection was upgraded on.
func (c *Conn) Path() string { return c.path }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve runs the read loop until the connection closes. Cancelling ctx
// aborts the socket without a close handshake. OnClose has been called
// by the time Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.Abort)
	defer stop()

	go c.writeLoop()
	if c.opts.PingInterval > 0 && c.family == wire.Standard {
		go c.pingLoop()
	}

	err := c.readLoop()
	c.finish()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Conn) readLoop() error {
	for {
		var f wire.Frame
		var err error
		if c.family == wire.Legacy {
			f, err = c.reader.ReadLegacy()
		} else {
			f, err = c.reader.ReadFrame()
		}
		if err != nil {
			if errors.Is(err, wire.ErrProtocol) {
				c.logger.Debug("protocol violation, aborting", "error", err)
				return err
			}
			if c.State() != Open || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		switch f.Opcode {
		case wire.OpClose:
			c.handlePeerClose(f.Payload)
			return nil
		case wire.OpPing:
			if err := c.writeControl(wire.OpPong, f.Payload); err != nil {
				return err
			}
		case wire.OpPong:
			if c.opts.OnPong != nil {
				c.opts.OnPong(c, f.Payload)
			}
		default:
			msg, complete, err := c.asm.Push(f)
			if err != nil {
				c.logger.Debug("protocol violation, aborting", "error", err)
				return err
			}
			if complete && c.State() == Open && c.opts.OnMessage != nil {
				c.opts.OnMessage(c, msg)
			}
		}
	}
}

// handlePeerClose answers a close received from the peer. If we already
// sent our close, both directions are now closed.
func (c *Conn) handlePeerClose(payload []byte) {
	c.state.Store(int32(Closing))
	var reply []byte
	if len(payload) >= 2 {
		reply = payload[:2]
	}
	if err := c.writeClose(reply); err != nil {
		c.logger.Debug("close reply failed", "error", err)
	}
}

// Close starts the close handshake. If the peer does not answer within
// the grace period the socket is torn down.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}
	c.timerMu.Lock()
	c.grace = time.AfterFunc(c.opts.CloseGrace, c.Abort)
	c.timerMu.Unlock()
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], CloseNormal)
	if err := c.writeClose(code[:]); err != nil {
		c.Abort()
		return err
	}
	return nil
}

// Abort closes the socket immediately, bypassing the close handshake.
func (c *Conn) Abort() {
	c.abortOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.netConn.Close() //nolint:errcheck // best-effort teardown
	})
}

func (c *Conn) finish() {
	c.finalOnce.Do(func() {
		c.Abort()
		c.timerMu.Lock()
		if c.grace != nil {
			c.grace.Stop()
		}
		c.timerMu.Unlock()
		close(c.done)
		if c.opts.OnClose != nil {
			c.opts.OnClose(c)
		}
	})
}

// Send queues an already-encoded data message. It never blocks: if the
// queue is full the connection is aborted and ErrQueueFull returned.
func (c *Conn) Send(encoded []byte) error {
	if c.State() != Open {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.out <- encoded:
		return nil
	default:
		c.logger.Warn("outbound queue full, dropping connection")
		c.Abort()
		return ErrQueueFull
	}
}

// SendMessage encodes payload for this connection's family and queues it.
func (c *Conn) SendMessage(op wire.Opcode, payload []byte) error {
	b, err := wire.Encode(c.family, op, payload)
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if err := c.write(b); err != nil {
				c.logger.Debug("write failed, aborting", "error", err)
				c.Abort()
				return
			}
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.State() != Open {
				continue
			}
			if err := c.writeControl(wire.OpPing, nil); err != nil {
				c.Abort()
				return
			}
		}
	}
}

// write sends one frame. Once the close frame is out, later frames are
// dropped.
func (c *Conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return nil
	}
	return c.writeLocked(b)
}

func (c *Conn) writeLocked(b []byte) error {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := c.netConn.Write(b)
	return err
}

func (c *Conn) writeControl(op wire.Opcode, payload []byte) error {
	if c.family == wire.Legacy {
		return nil
	}
	return c.write(wire.EncodeMessage(op, payload))
}

// writeClose sends the close frame at most once.
func (c *Conn) writeClose(code []byte) error {
	frame := wire.LegacyClose
	if c.family == wire.Standard {
		frame = wire.EncodeMessage(wire.OpClose, code)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return nil
	}
	c.closeSent = true
	return c.writeLocked(frame)
}
