// Package abi defines the wire-level contracts shared across the
// hypervisor: hypercall group/function ids, the register ABI, and the
// error-kind enum returned to the MVM.
package abi

import "fmt"

// ErrorKind enumerates the error taxonomy of §7. Every operation that can
// be reached through a hypercall reports one of these, mapped to a
// negative return word by Errno.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindOverlap
	KindOutOfMemory
	KindPermissionDenied
	KindStateInvalid
	KindUnmapped
	KindDeviceBusy
	KindTransportError
	KindTimeout
	KindUnsupported
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindOverlap:
		return "Overlap"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindStateInvalid:
		return "StateInvalid"
	case KindUnmapped:
		return "Unmapped"
	case KindDeviceBusy:
		return "DeviceBusy"
	case KindTransportError:
		return "TransportError"
	case KindTimeout:
		return "Timeout"
	case KindUnsupported:
		return "Unsupported"
	case KindFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the concrete error type carried across package boundaries so
// that trap/hypercall dispatch can recover a Kind without string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, preserving the cause chain.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindUnsupported
// for errors that did not originate in this hypervisor (should not
// normally happen on a hypercall return path).
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return KindUnsupported
}

// as is a tiny local errors.As to avoid importing the stdlib errors
// package purely for this one call site (pkg/errors is used everywhere
// else for wrapping; this keeps unwrap logic self-contained).
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Errno maps an ErrorKind to the signed hypercall return word (§7: 0
// success, negative error code).
func Errno(kind ErrorKind) int64 {
	if kind == KindNone {
		return 0
	}
	return -int64(kind)
}
