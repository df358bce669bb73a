package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures reported by the central.
type ErrorKind int

const (
	KindRadioUnavailable ErrorKind = iota + 1
	KindNotConnected
	KindConnectionTimedOut
	KindServiceDiscoveryFailed
	KindCharacteristicDiscoveryFailed
	KindDescriptorDiscoveryFailed
	KindOperationNotSupported
	KindSubscriptionFailed
	KindGATT
)

func (k ErrorKind) String() string {
	switch k {
	case KindRadioUnavailable:
		return "radio unavailable"
	case KindNotConnected:
		return "not connected"
	case KindConnectionTimedOut:
		return "connection timed out"
	case KindServiceDiscoveryFailed:
		return "gatt service discovery failed"
	case KindCharacteristicDiscoveryFailed:
		return "gatt characteristic discovery failed"
	case KindDescriptorDiscoveryFailed:
		return "gatt descriptor discovery failed"
	case KindOperationNotSupported:
		return "operation not supported"
	case KindSubscriptionFailed:
		return "subscription failed"
	case KindGATT:
		return "gatt error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the error type returned by every central operation.
// errors.Is matches on Kind alone, so callers compare against the Err* sentinels.
type Error struct {
	Kind   ErrorKind
	Code   byte   // ATT error code, KindGATT only
	Reason string // platform supplied detail
	Err    error  // underlying platform error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Kind == KindGATT {
		fmt.Fprintf(&b, " 0x%02X", e.Code)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrRadioUnavailable              = &Error{Kind: KindRadioUnavailable}
	ErrNotConnected                  = &Error{Kind: KindNotConnected}
	ErrConnectionTimedOut            = &Error{Kind: KindConnectionTimedOut}
	ErrServiceDiscoveryFailed        = &Error{Kind: KindServiceDiscoveryFailed}
	ErrCharacteristicDiscoveryFailed = &Error{Kind: KindCharacteristicDiscoveryFailed}
	ErrDescriptorDiscoveryFailed     = &Error{Kind: KindDescriptorDiscoveryFailed}
	ErrOperationNotSupported         = &Error{Kind: KindOperationNotSupported}
	ErrSubscriptionFailed            = &Error{Kind: KindSubscriptionFailed}
	ErrGATT                          = &Error{Kind: KindGATT}
)

// NewError builds an *Error of the given kind wrapping err.
func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// GATTError builds a KindGATT error carrying the peripheral's ATT code.
func GATTError(code byte, err error) *Error {
	return &Error{Kind: KindGATT, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Classify returns err unchanged if it already carries a kind, otherwise
// wraps it as kind.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	return NewError(kind, "", err)
}
