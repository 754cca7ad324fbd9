package entity

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned whenever a record cannot be decoded: truncated
// bytes, impossible flags or unknown member types. Decoding stops at the
// first fault; nothing is substituted.
var ErrMalformed = errors.New("entity: malformed record")

// ErrContract is the parent of every build-time contract violation.
var ErrContract = errors.New("entity: builder contract violated")

var (
	ErrNoVersions       = fmt.Errorf("%w: empty version list", ErrContract)
	ErrMixedIDs         = fmt.Errorf("%w: versions carry different ids", ErrContract)
	ErrInvalidVersion   = fmt.Errorf("%w: version number must be positive", ErrContract)
	ErrDuplicateVersion = fmt.Errorf("%w: duplicate version number", ErrContract)
	ErrDuplicateTagKey  = fmt.Errorf("%w: duplicate tag key", ErrContract)
	ErrWrongFamily      = fmt.Errorf("%w: reference of the wrong element family", ErrContract)
	ErrDuplicateChild   = fmt.Errorf("%w: child supplied twice", ErrContract)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// readFault wraps a cursor error with what was being read.
func readFault(what string, err error) error {
	return fmt.Errorf("%w: reading %s: %w", ErrMalformed, what, err)
}
