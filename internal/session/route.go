package session

import (
	"bytes"
	"errors"
	"strings"

	"github.com/philsphicas/gamerelay/internal/wire"
)

// Delimiter separates the destination list from the message body.
const Delimiter = ':'

// Address applies the addressing scheme to a payload sent by sender. A nil
// recipients slice means broadcast.
//
//	"hello"       -> broadcast "sender:hello"
//	":hello"      -> broadcast "sender:hello"
//	"2,3:hello"   -> to 2 and 3, "sender:hello"
func Address(sender string, payload []byte) (recipients []string, out []byte) {
	i := bytes.IndexByte(payload, Delimiter)
	out = make([]byte, 0, len(sender)+1+len(payload))
	out = append(out, sender...)
	switch {
	case i < 0:
		out = append(out, Delimiter)
		out = append(out, payload...)
	case i == 0:
		out = append(out, payload...)
	default:
		for _, id := range strings.Split(string(payload[:i]), ",") {
			if id = strings.TrimSpace(id); id != "" {
				recipients = append(recipients, id)
			}
		}
		if recipients == nil {
			recipients = []string{}
		}
		out = append(out, payload[i:]...)
	}
	return recipients, out
}

type delivery struct {
	member *Member
	peer   Peer
}

// Route delivers one complete data message from the member bound to
// sender. Messages from a peer that is no longer bound are dropped.
// Recipients whose queue rejects the message are removed from the session.
func (r *Registry) Route(from *Member, sender Peer, msg wire.Message) {
	if msg.Opcode != wire.OpText && msg.Opcode != wire.OpBinary {
		return
	}

	r.mu.Lock()
	if from.peer != sender || from.session == nil {
		r.mu.Unlock()
		return
	}
	recipients, out := Address(from.ID, msg.Payload)
	s := from.session
	sid := s.ID
	var targets []delivery
	if recipients == nil {
		for id, m := range s.members {
			if id != from.ID && m.peer != nil {
				targets = append(targets, delivery{m, m.peer})
			}
		}
	} else {
		for _, id := range recipients {
			if id == from.ID {
				continue
			}
			if m, ok := s.members[id]; ok && m.peer != nil {
				targets = append(targets, delivery{m, m.peer})
			}
		}
	}
	r.mu.Unlock()

	kind := "direct"
	if recipients == nil {
		kind = "broadcast"
	}
	r.metrics.MessageRouted(kind)

	// Encode at most once per family.
	var (
		encoded [2][]byte
		encErr  [2]error
		done    [2]bool
	)
	var failed []delivery
	for _, t := range targets {
		fam := t.peer.Family()
		if !done[fam] {
			encoded[fam], encErr[fam] = wire.Encode(fam, msg.Opcode, out)
			done[fam] = true
		}
		if err := encErr[fam]; err != nil {
			if errors.Is(err, wire.ErrLegacyBinary) {
				r.metrics.MessageDropped("legacy_binary")
			}
			r.logger.Debug("message not representable for recipient", "session", sid, "participant", t.member.ID, "error", err)
			continue
		}
		if err := t.peer.Send(encoded[fam]); err != nil {
			failed = append(failed, t)
			continue
		}
		r.metrics.Delivered(fam.String(), len(encoded[fam]))
	}

	for _, t := range failed {
		r.logger.Info("delivery failed, removing participant", "session", sid, "participant", t.member.ID)
		r.metrics.MessageDropped("delivery_failed")
		r.detach(t.member, t.peer, ReasonDelivery)
	}
}
