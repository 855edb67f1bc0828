package federation

import (
	"errors"
	"fmt"
)

// ErrNoContent signals "processed, nothing further to do": an unchanged
// update, fully self-looped targets, or nothing to tombstone. The
// activity is still recorded, with status ignored. Distinct from a true
// error; queue callers must not retry it.
var ErrNoContent = errors.New("no content to deliver")

// BadInputError is a client/input fault: a malformed activity, or a
// required actor/object missing. Surfaced to the caller as a rejection.
type BadInputError struct {
	Reason string
}

func (e *BadInputError) Error() string {
	return e.Reason
}

func badInputf(format string, args ...any) error {
	return &BadInputError{Reason: fmt.Sprintf(format, args...)}
}

// IsBadInput reports whether err is a client/input fault.
func IsBadInput(err error) bool {
	var bie *BadInputError
	return errors.As(err, &bie)
}
