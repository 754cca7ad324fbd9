package cell

import "errors"

var (
	ErrInvalidKey        = errors.New("invalid cell key")
	ErrBadContainer      = errors.New("bad cell container")
	ErrDuplicateElement  = errors.New("element added twice")
	ErrMembershipCorrupt = errors.New("corrupt membership bitmap")
)
