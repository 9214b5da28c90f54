package memory

import "errors"

// ErrorKind categorizes engine failures so callers can decide between
// retrying, surfacing, or ignoring.
type ErrorKind string

const (
	// ErrorKindNotFound means the episode/item is absent or not owned by the caller.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindInvalidInput means a malformed key or value was supplied.
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	// ErrorKindGenerationFormat means a provider returned non-JSON or
	// schema-violating output.
	ErrorKindGenerationFormat ErrorKind = "generation_format"
	// ErrorKindStore means the underlying persistence layer failed.
	ErrorKindStore ErrorKind = "store"
)

// Error is the engine's typed error. Idempotent no-ops are not errors: they
// are signaled via an Already flag on the result instead.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewNotFound builds a not_found error.
func NewNotFound(message string) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: message}
}

// NewInvalidInput builds an invalid_input error.
func NewInvalidInput(message string) *Error {
	return &Error{Kind: ErrorKindInvalidInput, Message: message}
}

// NewGenerationFormat builds a generation_format error wrapping the parse failure.
func NewGenerationFormat(message string, err error) *Error {
	return &Error{Kind: ErrorKindGenerationFormat, Message: message, Err: err}
}

// NewStoreError wraps a persistence failure.
func NewStoreError(message string, err error) *Error {
	return &Error{Kind: ErrorKindStore, Message: message, Err: err}
}

func kindIs(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not_found engine error.
func IsNotFound(err error) bool { return kindIs(err, ErrorKindNotFound) }

// IsInvalidInput reports whether err is an invalid_input engine error.
func IsInvalidInput(err error) bool { return kindIs(err, ErrorKindInvalidInput) }

// IsGenerationFormat reports whether err is a generation_format engine error.
func IsGenerationFormat(err error) bool { return kindIs(err, ErrorKindGenerationFormat) }

// IsStoreError reports whether err is a store engine error.
func IsStoreError(err error) bool { return kindIs(err, ErrorKindStore) }
