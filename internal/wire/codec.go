package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// ErrShortFrame is returned by DecodeFrame when b does not yet hold a
// complete frame. Callers should read more bytes and retry.
var ErrShortFrame = errors.New("short frame")

// headerLen returns the encoded header size for a payload of n bytes.
func headerLen(n int, masked bool) int {
	h := 2
	switch {
	case n > 0xFFFF:
		h += 8
	case n > MaxControlPayload:
		h += 2
	}
	if masked {
		h += 4
	}
	return h
}

// AppendFrame appends the encoding of f to dst. The length width class is
// chosen by payload size. f.Payload is not modified.
func AppendFrame(dst []byte, f Frame) []byte {
	n := len(f.Payload)
	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= 0x80
	}
	var b1 byte
	if f.Masked {
		b1 = 0x80
	}
	switch {
	case n <= MaxControlPayload:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	if f.Masked {
		dst = append(dst, f.Mask[:]...)
	}
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Mask(f.Mask, dst[start:])
	}
	return dst
}

// EncodeFrame returns the encoding of f in a freshly allocated slice.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, headerLen(len(f.Payload), f.Masked)+len(f.Payload)), f)
}

// EncodeMessage encodes an unfragmented, unmasked server frame.
func EncodeMessage(op Opcode, payload []byte) []byte {
	return EncodeFrame(Frame{Fin: true, Opcode: op, Payload: payload})
}

// parseHeader decodes the fixed two header bytes and validates them.
func parseHeader(b0, b1 byte) (Frame, uint64, error) {
	f := Frame{
		Fin:    b0&0x80 != 0,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&0x80 != 0,
	}
	if b0&0x70 != 0 {
		return f, 0, &FrameError{Err: ErrReservedBits, Opcode: f.Opcode}
	}
	if !f.Opcode.IsValid() {
		return f, 0, &FrameError{Err: ErrUnknownOpcode, Opcode: f.Opcode}
	}
	len7 := uint64(b1 & 0x7F)
	if f.Opcode.IsControl() {
		if len7 >= 126 {
			return f, 0, &FrameError{Err: ErrControlTooLong, Opcode: f.Opcode}
		}
		if !f.Fin {
			return f, 0, &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
		}
	}
	return f, len7, nil
}

// DecodeFrame decodes one frame from the start of b. It returns the frame
// (with its payload unmasked into a new slice) and the number of bytes
// consumed. ErrShortFrame means b holds only part of a frame.
func DecodeFrame(b []byte, maxPayload int) (Frame, int, error) {
	if len(b) < 2 {
		return Frame{}, 0, ErrShortFrame
	}
	f, n, err := parseHeader(b[0], b[1])
	if err != nil {
		return Frame{}, 0, err
	}
	off := 2
	switch n {
	case 126:
		if len(b) < off+2 {
			return Frame{}, 0, ErrShortFrame
		}
		n = uint64(binary.BigEndian.Uint16(b[off:]))
		off += 2
	case 127:
		if len(b) < off+8 {
			return Frame{}, 0, ErrShortFrame
		}
		n = binary.BigEndian.Uint64(b[off:])
		off += 8
	}
	if maxPayload > 0 && n > uint64(maxPayload) {
		return Frame{}, 0, &FrameError{Err: ErrPayloadTooLarge, Opcode: f.Opcode}
	}
	if f.Masked {
		if len(b) < off+4 {
			return Frame{}, 0, ErrShortFrame
		}
		copy(f.Mask[:], b[off:off+4])
		off += 4
	}
	if uint64(len(b)-off) < n {
		return Frame{}, 0, ErrShortFrame
	}
	f.Payload = make([]byte, n)
	copy(f.Payload, b[off:])
	if f.Masked {
		Mask(f.Mask, f.Payload)
	}
	return f, off + int(n), nil
}

// Reader decodes frames from a buffered stream.
type Reader struct {
	r          *bufio.Reader
	maxPayload int
	hdr        [8]byte
}

// NewReader returns a Reader over r. maxPayload <= 0 selects
// DefaultMaxPayload.
func NewReader(r *bufio.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadFrame reads one standard frame. The returned payload is unmasked.
// Protocol violations wrap ErrProtocol; I/O failures are returned as-is.
func (fr *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:2]); err != nil {
		return Frame{}, err
	}
	f, n, err := parseHeader(fr.hdr[0], fr.hdr[1])
	if err != nil {
		return Frame{}, err
	}
	switch n {
	case 126:
		if _, err := io.ReadFull(fr.r, fr.hdr[:2]); err != nil {
			return Frame{}, err
		}
		n = uint64(binary.BigEndian.Uint16(fr.hdr[:2]))
	case 127:
		if _, err := io.ReadFull(fr.r, fr.hdr[:8]); err != nil {
			return Frame{}, err
		}
		n = binary.BigEndian.Uint64(fr.hdr[:8])
	}
	if n > uint64(fr.maxPayload) {
		return Frame{}, &FrameError{Err: ErrPayloadTooLarge, Opcode: f.Opcode}
	}
	if f.Masked {
		if _, err := io.ReadFull(fr.r, f.Mask[:]); err != nil {
			return Frame{}, err
		}
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		return Frame{}, err
	}
	if f.Masked {
		Mask(f.Mask, f.Payload)
	}
	return f, nil
}

// ReadLegacy reads one legacy frame. Text messages come back as OpText
// frames; the 0xFF 0x00 close sequence comes back as an OpClose frame.
func (fr *Reader) ReadLegacy() (Frame, error) {
	lead, err := fr.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	switch lead {
	case 0x00:
	case 0xFF:
		next, err := fr.r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if next != 0x00 {
			return Frame{}, ErrLegacyFraming
		}
		return Frame{Fin: true, Opcode: OpClose}, nil
	default:
		return Frame{}, ErrLegacyFraming
	}
	var payload []byte
	for {
		chunk, err := fr.r.ReadSlice(0xFF)
		payload = append(payload, chunk...)
		if len(payload) > fr.maxPayload+1 {
			return Frame{}, &FrameError{Err: ErrPayloadTooLarge, Opcode: OpText}
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return Frame{}, err
		}
	}
	return Frame{Fin: true, Opcode: OpText, Payload: payload[:len(payload)-1]}, nil
}
