// Package dhterror defines the numeric error codes carried on the wire
// and the Error type that pairs a code with a message, so callers match
// wire errors by code (errors.As) rather than by ad hoc string
// comparisons.
package dhterror

import "fmt"

// Code is a numeric wire error code.
type Code int

const (
	Generic                   Code = 201
	Server                    Code = 202
	Protocol                  Code = 203
	MethodUnknown             Code = 204
	MessageTooBig             Code = 205
	Throttled                 Code = 206
	ImmutableSubstitutionFail Code = 301
	SeqNotMonotonic           Code = 302
	SeqNotExpected            Code = 303
	InvalidSignature          Code = 304
)

func (c Code) String() string {
	switch c {
	case Generic:
		return "generic"
	case Server:
		return "server"
	case Protocol:
		return "protocol"
	case MethodUnknown:
		return "method-unknown"
	case MessageTooBig:
		return "message-too-big"
	case Throttled:
		return "throttled"
	case ImmutableSubstitutionFail:
		return "immutable-substitution-fail"
	case SeqNotMonotonic:
		return "seq-not-monotonic"
	case SeqNotExpected:
		return "seq-not-expected"
	case InvalidSignature:
		return "invalid-signature"
	default:
		return "unknown"
	}
}

// Error is a wire-level error: a code plus the message that accompanied
// it, satisfying the standard error interface so request handlers can
// return it directly and callers can match it with errors.As.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dht error %d (%s)", e.Code, e.Code)
	}
	return fmt.Sprintf("dht error %d (%s): %s", e.Code, e.Code, e.Message)
}

// New builds an Error carrying code and the given message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}
