package collab

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/coedit/internal/room"
)

// ErrorCode is the code of every collaboration error reply.
const ErrorCode = "INVALID_PAYLOAD"

// unexpectedReason replaces the detail of errors that are not *Error.
const unexpectedReason = "An unexpected error occurred"

// Error is a rejected request. Reason is shown to the requesting client.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Invalid builds an Error from a format string.
func Invalid(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

type errorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// ErrorEvent is the private error reply to a failed request.
type ErrorEvent struct {
	Type    string    `json:"type"`
	Action  string    `json:"action"`
	Context Action    `json:"context,omitempty"`
	Error   errorBody `json:"error"`
}

// encodeError builds the reply for a request of kind action that failed
// with e.
func encodeError(action Action, e *Error) []byte {
	payload, _ := json.Marshal(ErrorEvent{
		Type:    room.MessageType,
		Action:  room.ActionError,
		Context: action,
		Error:   errorBody{Code: ErrorCode, Reason: e.Reason},
	})
	return payload
}
