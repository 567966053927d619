package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/rtmkit/rtm-go/protocol"
)

// ============================================================================
// Error codes
// ============================================================================

// Codes below 9000 come from the server; 9000 and up are raised locally.
const (
	CodeSessionConflict      = protocol.CodeSessionConflict
	CodeSessionTokenExpired  = protocol.CodeSessionTokenExpired
	CodeConversationNotFound = protocol.CodeConversationNotFound
	CodeSignatureFailed      = protocol.CodeSignatureFailed

	CodeTimeout         = 9000
	CodeConnectionLost  = 9001
	CodeSessionNotOpen  = 9002
	CodeInvalidArgument = 9003
	CodeClientClosed    = 9004
	CodeInvalidResponse = 9005
)

// Error is returned by every failing client operation. Two errors are equal
// under errors.Is when their codes match, so callers compare against the
// sentinels below regardless of the detail text.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rtm %d %s: %s", e.Code, e.Reason, e.Detail)
	}
	return fmt.Sprintf("rtm %d %s", e.Code, e.Reason)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrSessionConflict     = &Error{Code: CodeSessionConflict, Reason: "session conflict"}
	ErrSessionTokenExpired = &Error{Code: CodeSessionTokenExpired, Reason: "session token expired"}
	ErrTimeout             = &Error{Code: CodeTimeout, Reason: "timeout"}
	ErrConnectionLost      = &Error{Code: CodeConnectionLost, Reason: "connection lost"}
	ErrSessionNotOpen      = &Error{Code: CodeSessionNotOpen, Reason: "session not open"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Reason: "invalid argument"}
	ErrClientClosed        = &Error{Code: CodeClientClosed, Reason: "client closed"}
	ErrSignatureFailed     = &Error{Code: CodeSignatureFailed, Reason: "signature failed"}
)

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func invalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Reason: ErrInvalidArgument.Reason, Detail: fmt.Sprintf(format, args...)}
}

func invalidResponse(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidResponse, Reason: "invalid response", Detail: fmt.Sprintf(format, args...)}
}

// fromRPC maps transport and JSON-RPC failures onto *Error.
func fromRPC(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		out := &Error{Code: int(rpcErr.Code), Reason: rpcErr.Message, cause: err}
		switch rpcErr.Code {
		case jsonrpc2.CodeInvalidParams, jsonrpc2.CodeInvalidRequest:
			out.Code = CodeInvalidArgument
		}
		if rpcErr.Data != nil {
			var detail string
			if json.Unmarshal(*rpcErr.Data, &detail) == nil {
				out.Detail = detail
			}
		}
		return out
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Reason: ErrTimeout.Reason, cause: err}
	case errors.Is(err, jsonrpc2.ErrClosed):
		return &Error{Code: CodeConnectionLost, Reason: ErrConnectionLost.Reason, cause: err}
	}
	return err
}

// contextError converts a finished context into the error a waiting caller
// receives.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Reason: ErrTimeout.Reason, cause: err}
	}
	return err
}
