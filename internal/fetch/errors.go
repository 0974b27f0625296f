package fetch

import "errors"

// Failure kinds. A *Error matches exactly one of these with errors.Is.
var (
	ErrNetwork  = errors.New("fetch: network failure")
	ErrTimeout  = errors.New("fetch: timed out")
	ErrStorage  = errors.New("fetch: storage failure")
	ErrTooLarge = errors.New("fetch: document too large")
)

// Error is returned by Fetcher.Fetch. Kind is one of the package sentinels;
// Err is the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

func fail(kind, err error) *Error { return &Error{Kind: kind, Err: err} }
