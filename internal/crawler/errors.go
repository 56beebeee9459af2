package crawler

import "errors"

var (
	// ErrFatal matches every FatalError.
	ErrFatal = errors.New("fatal crawl error")

	// ErrAccountBusy is returned when a run for the account is already in flight.
	ErrAccountBusy = errors.New("account crawl already running")
)

// FatalError aborts a run before anything is committed: an unusable session
// blob or a browser that would not start.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}
