// Package errorsx provides small error helpers shared across acmeguard.
package errorsx

import (
	"fmt"
	"log"
)

// Compact returns the first non-nil error in the set, if any.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// MaybeLog logs err (if non-nil) and returns it unchanged, for use at the
// end of a call chain where the caller intends to ignore the result but a
// record should still be made.
func MaybeLog(err error) error {
	if err == nil {
		return err
	}

	log.Output(2, fmt.Sprintln(err))
	return err
}

// String is a string constant usable as a sentinel error value.
type String string

func (t String) Error() string {
	return string(t)
}

// Must panics if err is non-nil, otherwise returns v. useful for package
// level initialization where failure indicates a programming error.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}
