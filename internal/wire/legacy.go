package wire

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// LegacyClose is the byte sequence that closes a legacy connection.
var LegacyClose = []byte{0xFF, 0x00}

// ErrLegacyKey is returned for a malformed Sec-WebSocket-Key1/Key2 value.
var ErrLegacyKey = fmt.Errorf("%w: malformed legacy key", ErrProtocol)

// LegacyKey derives the 32-bit number carried by a legacy handshake key:
// all digits read as one integer, divided by the count of spaces.
func LegacyKey(value string) (uint32, error) {
	var digits uint64
	var nDigits, spaces int
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9':
			nDigits++
			digits = digits*10 + uint64(c-'0')
			if digits > math.MaxUint64/20 {
				return 0, ErrLegacyKey
			}
		case c == ' ':
			spaces++
		}
	}
	if nDigits == 0 || spaces == 0 {
		return 0, ErrLegacyKey
	}
	n := digits / uint64(spaces)
	if n > math.MaxUint32 {
		return 0, ErrLegacyKey
	}
	return uint32(n), nil
}

// LegacyChallenge computes the 16-byte handshake response from the two
// key headers and the 8 raw bytes the client sends after its headers.
func LegacyChallenge(key1, key2 string, key3 []byte) ([16]byte, error) {
	if len(key3) != 8 {
		return [16]byte{}, fmt.Errorf("%w: legacy key3 must be 8 bytes, got %d", ErrProtocol, len(key3))
	}
	k1, err := LegacyKey(key1)
	if err != nil {
		return [16]byte{}, err
	}
	k2, err := LegacyKey(key2)
	if err != nil {
		return [16]byte{}, err
	}
	var buf [16]byte
	binary.BigEndian.PutUint32(buf[0:4], k1)
	binary.BigEndian.PutUint32(buf[4:8], k2)
	copy(buf[8:], key3)
	return md5.Sum(buf[:]), nil
}

// EncodeLegacy frames payload as a legacy text message. Payloads that
// contain the 0xFF terminator cannot be represented.
func EncodeLegacy(payload []byte) ([]byte, error) {
	if bytes.IndexByte(payload, 0xFF) >= 0 {
		return nil, ErrLegacyBinary
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, 0x00)
	out = append(out, payload...)
	return append(out, 0xFF), nil
}

// Encode frames a complete data message for a peer of the given family.
func Encode(family Family, op Opcode, payload []byte) ([]byte, error) {
	if family == Legacy {
		if op != OpText && op != OpBinary {
			return nil, errors.New("legacy framing carries data messages only")
		}
		return EncodeLegacy(payload)
	}
	return EncodeMessage(op, payload), nil
}
