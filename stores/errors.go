package stores

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEntry is returned by Generation.Get when the key is absent
	// (or the backend considers the row expired).
	ErrNoEntry = errors.New("no entry found in generation")

	// ErrValidation is the root of all store construction errors.
	ErrValidation = errors.New("store validation failed")
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of store failed for reason : %s", ve.Reason)
}

func (ve ValidationError) Unwrap() error { return ErrValidation }
