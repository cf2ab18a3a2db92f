package wire

// Message is a complete, reassembled data message.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Assembler reassembles fragmented data messages. Control frames must be
// handled by the caller and never pushed.
type Assembler struct {
	MaxPayload int

	active bool
	op     Opcode
	buf    []byte
}

// InProgress reports whether a fragmented message is being buffered.
func (a *Assembler) InProgress() bool {
	return a.active
}

// Push feeds one data frame. It returns the message and true once a FIN
// frame completes it.
func (a *Assembler) Push(f Frame) (Message, bool, error) {
	if f.Opcode.IsControl() {
		return Message{}, false, &FrameError{Err: ErrProtocol, Opcode: f.Opcode}
	}
	max := a.MaxPayload
	if max <= 0 {
		max = DefaultMaxPayload
	}
	if f.Opcode == OpContinuation {
		if !a.active {
			return Message{}, false, &FrameError{Err: ErrUnexpectedContinue, Opcode: f.Opcode}
		}
		if len(a.buf)+len(f.Payload) > max {
			op := a.op
			a.reset()
			return Message{}, false, &FrameError{Err: ErrPayloadTooLarge, Opcode: op}
		}
		a.buf = append(a.buf, f.Payload...)
		if !f.Fin {
			return Message{}, false, nil
		}
		msg := Message{Opcode: a.op, Payload: a.buf}
		a.reset()
		return msg, true, nil
	}
	if a.active {
		return Message{}, false, &FrameError{Err: ErrInterleavedMessage, Opcode: f.Opcode}
	}
	if f.Fin {
		return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
	}
	a.active = true
	a.op = f.Opcode
	a.buf = append([]byte(nil), f.Payload...)
	return Message{}, false, nil
}

func (a *Assembler) reset() {
	a.active = false
	a.op = 0
	a.buf = nil
}
