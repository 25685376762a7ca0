package core

import (
	"errors"
	"fmt"
)

// Kind classifies call failures. Every failure surfaced to collaborators
// carries exactly one kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindMediaAcquisition
	KindSignalingConnection
	KindInvalidOffer
	KindPeerConnection
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindMediaAcquisition:
		return "MediaAcquisitionError"
	case KindSignalingConnection:
		return "SignalingConnectionError"
	case KindInvalidOffer:
		return "InvalidOfferError"
	case KindPeerConnection:
		return "PeerConnectionError"
	case KindProtocolViolation:
		return "ProtocolViolationError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrMediaAcquisition    = &Error{Kind: KindMediaAcquisition}
	ErrSignalingConnection = &Error{Kind: KindSignalingConnection}
	ErrInvalidOffer        = &Error{Kind: KindInvalidOffer}
	ErrPeerConnection      = &Error{Kind: KindPeerConnection}
	ErrProtocolViolation   = &Error{Kind: KindProtocolViolation}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, ErrInvalidOffer)
// holds for any invalid-offer failure regardless of Op and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
