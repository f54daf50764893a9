package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates envelopes on the wire.
type MessageType string

const (
	MessageHello   MessageType = "hello"
	MessageWelcome MessageType = "welcome"
	MessageEvent   MessageType = "event"
	MessageDelta   MessageType = "delta"
	MessageControl MessageType = "control"
	MessageError   MessageType = "error"
)

// MaxEventNameLen bounds the event name accepted from clients.
const MaxEventNameLen = 128

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrUnknownMessage  = errors.New("protocol: unknown message type")
	ErrInvalidEvent    = errors.New("protocol: invalid event")
)

// Envelope wraps every message. Payload stays raw until the type is known.
type Envelope struct {
	Type    MessageType     `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// ClientHello opens a session. A non-empty Token asks the server to resume
// an earlier session; LastSeq is the last delta sequence the client saw.
type ClientHello struct {
	Token   string `json:"token,omitempty"`
	LastSeq uint64 `json:"last_seq,omitempty"`
}

// ServerWelcome answers a hello with the session token and the full
// committed var snapshot.
type ServerWelcome struct {
	Token   string         `json:"token"`
	Resumed bool           `json:"resumed,omitempty"`
	Vars    map[string]any `json:"vars"`
	Version uint64         `json:"version"`
}

// Event is a client-triggered named action.
type Event struct {
	Seq  uint64          `json:"seq"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Delta carries the vars changed by one committed mutation block.
type Delta struct {
	Seq     uint64         `json:"seq"`
	Version uint64         `json:"version"`
	Vars    map[string]any `json:"vars"`
}

// ControlOp names a control operation.
type ControlOp string

const (
	ControlPing  ControlOp = "ping"
	ControlPong  ControlOp = "pong"
	ControlClose ControlOp = "close"
)

// Control is a connection-level message. Pong echoes the Timestamp of the
// ping it answers.
type Control struct {
	Op        ControlOp `json:"op"`
	Timestamp int64     `json:"ts,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// NewPing builds a ping carrying the sender's clock in milliseconds.
func NewPing(ts int64) Control { return Control{Op: ControlPing, Timestamp: ts} }

// NewPong builds the pong for a received ping.
func NewPong(ts int64) Control { return Control{Op: ControlPong, Timestamp: ts} }

// NewClose announces an orderly shutdown of the connection.
func NewClose(reason string) Control { return Control{Op: ControlClose, Reason: reason} }

// Encode marshals a payload into a single wire envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: p})
}

// DecodeEnvelope parses a wire frame and validates its type.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch env.Type {
	case MessageHello, MessageWelcome, MessageEvent, MessageDelta, MessageControl, MessageError:
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// DecodeHello parses a ClientHello payload.
func DecodeHello(payload []byte) (*ClientHello, error) {
	var hello ClientHello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("%w: hello: %v", ErrInvalidEnvelope, err)
	}
	return &hello, nil
}

// DecodeEvent parses and validates an Event payload.
func DecodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidEvent)
	}
	if len(ev.Name) > MaxEventNameLen {
		return nil, fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidEvent, MaxEventNameLen)
	}
	return &ev, nil
}

// DecodeControl parses and validates a Control payload.
func DecodeControl(payload []byte) (*Control, error) {
	var ctl Control
	if err := json.Unmarshal(payload, &ctl); err != nil {
		return nil, fmt.Errorf("%w: control: %v", ErrInvalidEnvelope, err)
	}
	switch ctl.Op {
	case ControlPing, ControlPong, ControlClose:
		return &ctl, nil
	default:
		return nil, fmt.Errorf("%w: control op %q", ErrUnknownMessage, ctl.Op)
	}
}
