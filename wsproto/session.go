package wsproto

import "github.com/emberhttpd/ember/api"

// State is a WebSocket session's lifecycle, per spec.md §4 "WebSocket
// session": CONNECTING until the handshake completes, OPEN while
// frames flow, CLOSING once either side has sent a close frame, CLOSED
// once the underlying socket is gone.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Message is one fully reassembled application message: either a
// single unfragmented frame or the concatenation of a
// continuation-frame sequence (spec.md §6 "fragmented messages
// reassembled before application delivery").
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Session tracks one WebSocket connection's framing state: role,
// lifecycle, and any in-progress fragmented message. It does not own
// the network connection — the conn package's connection FSM parses
// frames from the socket, feeds them to it, and receives reassembled
// messages plus control-frame notifications.
type Session struct {
	Role  Role
	state State

	fragOpcode  Opcode
	fragPayload []byte
	fragmenting bool

	maxMessageSize int
}

// NewSession constructs a session with the given role and maximum
// reassembled-message size (0 means MaxFramePayload).
func NewSession(role Role, maxMessageSize int) *Session {
	if maxMessageSize <= 0 {
		maxMessageSize = MaxFramePayload
	}
	return &Session{Role: role, state: StateConnecting, maxMessageSize: maxMessageSize}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// MarkOpen transitions CONNECTING -> OPEN once the handshake
// completes.
func (s *Session) MarkOpen() { s.state = StateOpen }

// MarkClosing transitions to CLOSING once a close frame has been sent
// or received.
func (s *Session) MarkClosing() { s.state = StateClosing }

// MarkClosed transitions to CLOSED once the socket is torn down.
func (s *Session) MarkClosed() { s.state = StateClosed }

// Feed processes one parsed frame against the session's reassembly
// state. It returns a non-nil Message when a complete application
// message (data or control) is ready for delivery. Control frames
// (ping/pong/close) are never fragmented per RFC 6455 and are
// delivered immediately as single-frame messages; data frames
// accumulate across a continuation sequence until Fin.
func (s *Session) Feed(f *Frame) (*Message, *api.Error) {
	if f.Opcode.IsControl() {
		return &Message{Opcode: f.Opcode, Payload: f.Payload}, nil
	}

	switch f.Opcode {
	case OpcodeText, OpcodeBinary:
		if s.fragmenting {
			return nil, api.New(api.CodeWSFrame, "new data frame received mid-fragmentation")
		}
		if f.Fin {
			return &Message{Opcode: f.Opcode, Payload: f.Payload}, nil
		}
		s.fragmenting = true
		s.fragOpcode = f.Opcode
		s.fragPayload = append([]byte(nil), f.Payload...)
		if len(s.fragPayload) > s.maxMessageSize {
			s.resetFragment()
			return nil, api.New(api.CodeWSTooLarge, "fragmented message exceeds maximum size")
		}
		return nil, nil

	case OpcodeContinuation:
		if !s.fragmenting {
			return nil, api.New(api.CodeWSFrame, "continuation frame without preceding fragment start")
		}
		s.fragPayload = append(s.fragPayload, f.Payload...)
		if len(s.fragPayload) > s.maxMessageSize {
			s.resetFragment()
			return nil, api.New(api.CodeWSTooLarge, "fragmented message exceeds maximum size")
		}
		if !f.Fin {
			return nil, nil
		}
		msg := &Message{Opcode: s.fragOpcode, Payload: s.fragPayload}
		s.resetFragment()
		return msg, nil

	default:
		return nil, api.New(api.CodeWSInvalidOpcode, "unexpected opcode in data stream")
	}
}

func (s *Session) resetFragment() {
	s.fragmenting = false
	s.fragOpcode = 0
	s.fragPayload = nil
}
