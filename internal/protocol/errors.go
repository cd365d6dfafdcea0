package protocol

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeServer         ErrorType = "server_error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

// ErrorDetail is the payload of an error event.
type ErrorDetail struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	EventID string    `json:"event_id,omitempty"`
}

// Error is a client-visible failure. Anything that is not an *Error is
// reported to the client as a generic server_error.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Param   string
	EventID string
	Err     error
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (%s): %s [%s]", e.Type, e.Code, e.Message, e.Param)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Detail() ErrorDetail {
	return ErrorDetail{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Param:   e.Param,
		EventID: e.EventID,
	}
}

func InvalidRequest(code, message, param string) *Error {
	return &Error{Type: ErrorTypeInvalidRequest, Code: code, Message: message, Param: param}
}

func ServerError(code, message string) *Error {
	return &Error{Type: ErrorTypeServer, Code: code, Message: message}
}

// AsError converts err into a client-safe *Error. Internal error text is not
// propagated.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Type:    ErrorTypeServer,
		Code:    "internal_error",
		Message: "The server had an error while processing your request.",
		Err:     err,
	}
}
