package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStatusResponse is the sentinel behind StatusResponseError.
	ErrStatusResponse = errors.New("p2p: peer did not answer status request")
	// ErrVerificationFailed is the sentinel behind VerificationFailedError.
	ErrVerificationFailed = errors.New("p2p: peer verification failed")
	// ErrPingTimeout is the sentinel behind PingTimeoutError.
	ErrPingTimeout = errors.New("p2p: ping timed out")
	// ErrInvalidReply indicates that a peer answered with a payload that does not match the endpoint schema.
	ErrInvalidReply = errors.New("p2p: invalid reply")
)

// ErrorKind classifies a failed call. The string values match the error names
// peers put on the wire, so remote errors round-trip through ParseErrorKind.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindGeneric           ErrorKind = "Error"
	KindValidation        ErrorKind = "CoreValidationError"
	KindTimeout           ErrorKind = "CoreTimeoutError"
	KindSocketNotOpen     ErrorKind = "CoreSocketNotOpenError"
	KindAppNotReady       ErrorKind = "CoreAppNotReadyError"
	KindEndpointNotFound  ErrorKind = "CoreEndpointNotFoundError"
	KindForbidden         ErrorKind = "CoreForbiddenError"
	KindUnsupported       ErrorKind = "CoreUnsupportedError"
	KindRateLimitExceeded ErrorKind = "CoreRateLimitExceededError"
	KindPayloadTooLarge   ErrorKind = "CorePayloadTooLargeError"
	KindRemote            ErrorKind = "CoreRemoteError"
)

var knownKinds = map[ErrorKind]struct{}{
	KindGeneric:           {},
	KindValidation:        {},
	KindTimeout:           {},
	KindSocketNotOpen:     {},
	KindAppNotReady:       {},
	KindEndpointNotFound:  {},
	KindForbidden:         {},
	KindUnsupported:       {},
	KindRateLimitExceeded: {},
	KindPayloadTooLarge:   {},
	KindRemote:            {},
}

// ParseErrorKind maps a wire error name onto the closed kind set. Unknown
// non-empty names become KindRemote.
func ParseErrorKind(name string) ErrorKind {
	if name == "" {
		return KindNone
	}
	kind := ErrorKind(name)
	if _, ok := knownKinds[kind]; ok {
		return kind
	}
	return KindRemote
}

func (k ErrorKind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// SocketError is a failed call to a peer, tagged with its kind.
type SocketError struct {
	Kind  ErrorKind
	Event string
	Err   error
}

func (e *SocketError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Event, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

func newSocketError(kind ErrorKind, event string, err error) *SocketError {
	return &SocketError{Kind: kind, Event: event, Err: err}
}

// KindOf extracts the kind of err. Errors that carry no identifiable kind
// return KindNone and are not actionable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var se *SocketError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNone
}

// StatusResponseError is returned by Ping when the peer does not answer getStatus.
type StatusResponseError struct {
	IP string
}

func (e *StatusResponseError) Error() string {
	return fmt.Sprintf("p2p: failed to retrieve status from peer %s", e.IP)
}

func (e *StatusResponseError) Unwrap() error { return ErrStatusResponse }

// VerificationFailedError is returned by Ping when the peer config or its
// claimed chain state is rejected.
type VerificationFailedError struct {
	IP     string
	Reason string
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("p2p: verification of peer %s failed: %s", e.IP, e.Reason)
}

func (e *VerificationFailedError) Unwrap() error { return ErrVerificationFailed }

// PingTimeoutError is returned by Ping when its deadline passed before
// verification could start.
type PingTimeoutError struct {
	Timeout time.Duration
}

func (e *PingTimeoutError) Error() string {
	return fmt.Sprintf("p2p: ping timeout (%s) elapsed before verification", e.Timeout)
}

func (e *PingTimeoutError) Unwrap() error { return ErrPingTimeout }
