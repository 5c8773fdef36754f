// Package apperrors defines the error taxonomy shared by the appender core.
package apperrors

import "fmt"

// Kind classifies an error by how the caller should react to it, not by its
// concrete Go type. Components branch on Kind via Is, never on string
// matching.
type Kind int

const (
	// KindUnknown is the zero value; never returned intentionally.
	KindUnknown Kind = iota
	// KindConfigInvalid marks a missing or malformed required setting. Fatal at startup.
	KindConfigInvalid
	// KindTransientNetwork marks a broker, catalog, or object-store I/O blip.
	KindTransientNetwork
	// KindCommitConflict marks an Iceberg metadata version conflict from a concurrent writer.
	KindCommitConflict
	// KindParseError marks a malformed envelope or OTLP payload.
	KindParseError
	// KindStagingFailure marks a local staging-store insert refusal.
	KindStagingFailure
	// KindIcebergFatal marks a non-retryable commit error (schema mismatch, bad credentials).
	KindIcebergFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindCommitConflict:
		return "CommitConflict"
	case KindParseError:
		return "ParseError"
	case KindStagingFailure:
		return "StagingFailure"
	case KindIcebergFatal:
		return "IcebergFatal"
	default:
		return "Unknown"
	}
}

// AppenderError wraps an underlying cause with the operation that raised it
// and the taxonomy Kind used to decide retry/escalation policy.
type AppenderError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AppenderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AppenderError) Unwrap() error { return e.Err }

// New constructs an AppenderError of the given kind for operation op, wrapping err.
func New(kind Kind, op string, err error) *AppenderError {
	return &AppenderError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an AppenderError of the given kind.
func Is(err error, kind Kind) bool {
	var ae *AppenderError
	for err != nil {
		if ae2, ok := err.(*AppenderError); ok {
			ae = ae2
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return ae != nil && ae.Kind == kind
}

// Retryable reports whether the caller should retry the operation that raised err.
func Retryable(err error) bool {
	return Is(err, KindTransientNetwork) || Is(err, KindCommitConflict)
}
