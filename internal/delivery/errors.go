package delivery

import (
	"context"
	"errors"

	"mediabot/internal/fetch"
)

var ErrTooLarge = errors.New("media exceeds the upload limit")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (the same link will fail the
// same way).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p permanentError
	if errors.As(err, &p) {
		return err
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// UserMessage is the follow-up text sent to the requester when a task fails.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge), errors.Is(err, fetch.ErrNoMedia):
		return "Sorry, this media is too large or not available for download."
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, fetching this link took too long. Please try again later."
	case IsPermanent(err):
		return "Sorry, this link is not supported."
	default:
		return "Sorry, something went wrong while fetching this link. Please try again later."
	}
}
