// Package wire implements the WebSocket wire protocol used by the relay.
//
// It covers both protocol families a relay has to speak: the legacy
// challenge/response handshake with 0x00/0xFF delimited text messages, and
// the standard framing negotiated with Sec-WebSocket-Version 7, 8 or 13.
// The package is purely a codec; it owns no sockets.
package wire

import (
	"errors"
	"fmt"
)

// Opcode identifies the type of a standard frame.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsValid reports whether o is one of the six defined opcodes.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%X)", uint8(o))
	}
}

// Family is the negotiated protocol generation of a connection.
type Family uint8

const (
	// Legacy is the pre-standard challenge/response protocol.
	Legacy Family = iota
	// Standard covers negotiation versions 7, 8 and 13.
	Standard
)

func (f Family) String() string {
	if f == Legacy {
		return "legacy"
	}
	return "standard"
}

const (
	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125
	// DefaultMaxPayload bounds a single frame or reassembled message.
	DefaultMaxPayload = 16 << 20
)

// Frame is one unit of the standard wire protocol. Payload is always
// stored unmasked; Mask is applied on encode when Masked is set.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// ErrProtocol is wrapped by every protocol violation. A connection that
// sees it is aborted without a diagnostic payload.
var ErrProtocol = errors.New("websocket protocol violation")

var (
	ErrReservedBits       = fmt.Errorf("%w: reserved bits set", ErrProtocol)
	ErrUnknownOpcode      = fmt.Errorf("%w: unknown opcode", ErrProtocol)
	ErrControlTooLong     = fmt.Errorf("%w: control frame payload too long", ErrProtocol)
	ErrFragmentedControl  = fmt.Errorf("%w: fragmented control frame", ErrProtocol)
	ErrPayloadTooLarge    = fmt.Errorf("%w: payload too large", ErrProtocol)
	ErrUnexpectedContinue = fmt.Errorf("%w: continuation without message in progress", ErrProtocol)
	ErrInterleavedMessage = fmt.Errorf("%w: data frame while message in progress", ErrProtocol)
	ErrLegacyFraming      = fmt.Errorf("%w: malformed legacy frame", ErrProtocol)
	ErrLegacyBinary       = errors.New("payload cannot be carried by legacy framing")
)

// FrameError annotates a protocol error with the opcode that caused it.
type FrameError struct {
	Err    error
	Opcode Opcode
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame: %v", e.Opcode, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Mask XORs b in place with key. Applying it twice restores b.
func Mask(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

// Validate checks the structural rules every frame must satisfy.
func (f *Frame) Validate() error {
	if !f.Opcode.IsValid() {
		return &FrameError{Err: ErrUnknownOpcode, Opcode: f.Opcode}
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
		}
		if len(f.Payload) > MaxControlPayload {
			return &FrameError{Err: ErrControlTooLong, Opcode: f.Opcode}
		}
	}
	return nil
}
