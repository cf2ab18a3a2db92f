package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrUnsupportedVersion is returned for a Sec-WebSocket-Version value that
// maps to neither protocol family.
var ErrUnsupportedVersion = fmt.Errorf("%w: unsupported websocket version", ErrProtocol)

// AcceptKey returns the Sec-WebSocket-Accept value for a client key.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ParseVersion maps a Sec-WebSocket-Version header to a protocol family.
// An absent header selects the legacy handshake.
func ParseVersion(header string) (Family, error) {
	switch strings.TrimSpace(header) {
	case "":
		return Legacy, nil
	case "7", "8", "13":
		return Standard, nil
	default:
		return Standard, ErrUnsupportedVersion
	}
}

// SelectSubprotocol picks the first server-supported protocol that the
// client offered. offered is the raw, comma separated header value.
func SelectSubprotocol(offered string, supported []string) string {
	if offered == "" || len(supported) == 0 {
		return ""
	}
	want := make(map[string]bool)
	for _, p := range strings.Split(offered, ",") {
		if p = strings.TrimSpace(p); p != "" {
			want[p] = true
		}
	}
	for _, p := range supported {
		if want[p] {
			return p
		}
	}
	return ""
}

// StandardResponse builds the 101 response for a standard handshake.
func StandardResponse(clientKey, subprotocol string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(clientKey) + "\r\n")
	if subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LegacyResponse builds the 101 response for a legacy handshake, including
// the 16-byte challenge answer that follows the headers.
func LegacyResponse(origin, location, subprotocol string, challenge [16]byte) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 WebSocket Protocol Handshake\r\n")
	b.WriteString("Upgrade: WebSocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	if origin != "" {
		b.WriteString("Sec-WebSocket-Origin: " + origin + "\r\n")
	}
	b.WriteString("Sec-WebSocket-Location: " + location + "\r\n")
	if subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	b.WriteString("\r\n")
	b.Write(challenge[:])
	return []byte(b.String())
}
