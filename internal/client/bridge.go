package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	bridgePingInterval = 30 * time.Second
	bridgePingTimeout  = 10 * time.Second
	maxLineLength      = 1 << 20
)

// BridgeStats counts the messages moved by a completed bridge.
type BridgeStats struct {
	Sent     int64 // lines sent as text messages
	Received int64 // messages written out as lines
}

// Bridge sends every line read from in as one text message and writes
// every message received from ws to out followed by a newline. It returns
// when in reaches EOF, the socket closes or ctx is cancelled. A clean EOF
// on in starts a normal close handshake.
func Bridge(ctx context.Context, ws *websocket.Conn, in io.Reader, out io.Writer) (BridgeStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sent, received atomic.Int64
	fromSocket := make(chan error, 1)
	fromInput := make(chan error, 1)

	go func() {
		fromSocket <- socketToOutput(ctx, ws, out, &received)
	}()
	go func() {
		fromInput <- inputToSocket(ctx, ws, in, &sent)
	}()
	go bridgePingLoop(ctx, ws)

	var err error
	select {
	case err = <-fromSocket:
	case err = <-fromInput:
		if err == nil {
			// Input finished: close our side and let the reader drain
			// until the relay answers.
			err = ws.Close(websocket.StatusNormalClosure, "")
			<-fromSocket
		}
	}
	// The input reader may be blocked on a terminal; it is not waited for.
	return BridgeStats{Sent: sent.Load(), Received: received.Load()}, err
}

func bridgePingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, bridgePingTimeout)
			_ = ws.Ping(pingCtx) // best-effort; a dead socket fails the reader
			cancel()
		}
	}
}

func socketToOutput(ctx context.Context, ws *websocket.Conn, out io.Writer, count *atomic.Int64) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return ignoreNormalClose(err)
		}
		data = append(data, '\n')
		if _, err := out.Write(data); err != nil {
			return err
		}
		count.Add(1)
	}
}

func inputToSocket(ctx context.Context, ws *websocket.Conn, in io.Reader, count *atomic.Int64) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		if err := ws.Write(ctx, websocket.MessageText, sc.Bytes()); err != nil {
			return err
		}
		count.Add(1)
	}
	return sc.Err()
}

func ignoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
