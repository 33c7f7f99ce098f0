// Package forgeerr defines the error kinds from the runtime's error design:
// callers match on kind with errors.Is, not on message text.
package forgeerr

import "errors"

// Kind identifies which stage of the system produced an error.
type Kind int

const (
	// Setup covers namespace/cgroup/network setup in the host process. Fatal.
	Setup Kind = iota
	// Pivot covers filesystem setup inside the child; reported via exit status.
	Pivot
	// BuildParse covers a malformed Forgefile; no partial image is written.
	BuildParse
	// BuildExec covers a failed RUN/COPY; the cache index is not updated.
	BuildExec
	// Store covers an I/O failure persisting a manifest, config, or layer.
	Store
	// RuntimeExec covers a failed entrypoint exec inside the container.
	RuntimeExec
)

func (k Kind) String() string {
	switch k {
	case Setup:
		return "setup"
	case Pivot:
		return "pivot"
	case BuildParse:
		return "build-parse"
	case BuildExec:
		return "build-exec"
	case Store:
		return "store"
	case RuntimeExec:
		return "runtime-exec"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the kind of stage that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a forgeerr.Error of the given kind, annotated with op.
// Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a forgeerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
