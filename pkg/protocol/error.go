package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode identifies the kind of error reported to the client.
type ErrorCode uint16

const (
	ErrCodeUnknown        ErrorCode = 0x0000 // Unclassified error
	ErrCodeInvalidMessage ErrorCode = 0x0001 // Malformed envelope or payload
	ErrCodeInvalidEvent   ErrorCode = 0x0002 // Malformed event
	ErrCodeNoSuchHandler  ErrorCode = 0x0003 // No handler registered for name
	ErrCodeHandlerPanic   ErrorCode = 0x0004 // Handler panicked
	ErrCodeSessionExpired ErrorCode = 0x0005 // Session no longer resumable
	ErrCodeRateLimited    ErrorCode = 0x0006 // Event queue full
	ErrCodeInternal       ErrorCode = 0x0100 // Internal server error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeInvalidMessage:
		return "InvalidMessage"
	case ErrCodeInvalidEvent:
		return "InvalidEvent"
	case ErrCodeNoSuchHandler:
		return "NoSuchHandler"
	case ErrCodeHandlerPanic:
		return "HandlerPanic"
	case ErrCodeSessionExpired:
		return "SessionExpired"
	case ErrCodeRateLimited:
		return "RateLimited"
	case ErrCodeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// ErrorMessage reports a failure to the client. EventSeq echoes the
// triggering event's sequence when the error is event-scoped. A fatal error
// means the connection is about to close.
type ErrorMessage struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	EventSeq uint64    `json:"event_seq,omitempty"`
	Fatal    bool      `json:"fatal,omitempty"`
}

// NewError builds an ErrorMessage.
func NewError(code ErrorCode, message string) ErrorMessage {
	return ErrorMessage{Code: code, Message: message}
}

// DecodeError parses an ErrorMessage payload.
func DecodeError(payload []byte) (*ErrorMessage, error) {
	var em ErrorMessage
	if err := json.Unmarshal(payload, &em); err != nil {
		return nil, fmt.Errorf("%w: error message: %v", ErrInvalidEnvelope, err)
	}
	return &em, nil
}
