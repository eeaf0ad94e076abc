// Package errkind defines the stable error kinds used across the mesh
// runtime so callers can branch on failure category with errors.Is
// instead of string matching.
package errkind

import "errors"

// Kind identifies a class of failure. Some categories are never
// retried (cryptographic failures, for instance, are never retried).
type Kind int

const (
	Unknown Kind = iota
	InvalidAddress
	InvalidSignature
	DecryptionFailed
	HandshakeTimeout
	HandshakeRejected
	ConnectionLost
	NotAuthorized
	PeerNotFound
	UnknownTransport
	ChunkHashMismatch
	ChunkTimeout
	FileNotFound
	NoProviders
	ReplayOrStale
)

func (k Kind) String() string {
	switch k {
	case InvalidAddress:
		return "InvalidAddress"
	case InvalidSignature:
		return "InvalidSignature"
	case DecryptionFailed:
		return "DecryptionFailed"
	case HandshakeTimeout:
		return "HandshakeTimeout"
	case HandshakeRejected:
		return "HandshakeRejected"
	case ConnectionLost:
		return "ConnectionLost"
	case NotAuthorized:
		return "NotAuthorized"
	case PeerNotFound:
		return "PeerNotFound"
	case UnknownTransport:
		return "UnknownTransport"
	case ChunkHashMismatch:
		return "ChunkHashMismatch"
	case ChunkTimeout:
		return "ChunkTimeout"
	case FileNotFound:
		return "FileNotFound"
	case NoProviders:
		return "NoProviders"
	case ReplayOrStale:
		return "ReplayOrStale"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a stable Kind for errors.Is/As
// based dispatch.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errkind.New(SomeKind, nil)) to match any
// *Error with the same Kind regardless of wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates a new *Error of the given kind wrapping err (which may
// be nil).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Of returns a zero-value sentinel of the given kind, useful as the
// target of errors.Is.
func Of(kind Kind) error {
	return &Error{Kind: kind}
}
