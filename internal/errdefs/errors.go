package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the orchestrator's error categories.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindResource
	KindIntegrity
	KindFileSystem
	KindSystemResource
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindResource:
		return "resource"
	case KindIntegrity:
		return "integrity"
	case KindFileSystem:
		return "filesystem"
	case KindSystemResource:
		return "system-resource"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ParseKind maps a persisted kind string back to its Kind. Unrecognized
// strings map to KindUnknown so old session records stay readable.
func ParseKind(s string) Kind {
	switch s {
	case "network":
		return KindNetwork
	case "resource":
		return KindResource
	case "integrity":
		return KindIntegrity
	case "filesystem":
		return KindFileSystem
	case "system-resource":
		return KindSystemResource
	case "configuration":
		return KindConfiguration
	default:
		return KindUnknown
	}
}

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionCorrupt     = errors.New("session record unreadable")
	ErrRangeNotSupported  = errors.New("range requests are not supported")
	ErrAlreadyTerminal    = errors.New("session is in a terminal state")
	ErrFormatUnavailable  = errors.New("requested format is no longer available")
	ErrRetriesExhausted   = errors.New("retry budget exhausted")
	ErrBackpressureFailed = errors.New("backpressure could not relieve resource pressure")
)

// Error carries a Kind alongside the wrapped cause so callers can classify
// without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and returns the first classified kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a chunk-level failure is worth another attempt.
// Network and integrity failures are transient; everything else is terminal
// for the session (retrying a 404 or a full disk changes nothing).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindIntegrity:
		return true
	default:
		return false
	}
}

// Exit codes expected by callers wrapping the core.
const (
	ExitSuccess        = 0
	ExitGeneric        = 1
	ExitNetwork        = 4
	ExitResource       = 5
	ExitSystemResource = 6
)

// ExitCode maps any error from the core onto the CLI exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case KindNetwork, KindIntegrity:
		return ExitNetwork
	case KindResource, KindConfiguration:
		return ExitResource
	case KindSystemResource, KindFileSystem:
		return ExitSystemResource
	default:
		return ExitGeneric
	}
}
