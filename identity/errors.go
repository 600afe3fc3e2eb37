package identity

import "errors"

// Identity errors
var (
	ErrInvalidID       = errors.New("invalid id")
	ErrInvalidKind     = errors.New("invalid kind")
	ErrInvalidServerID = errors.New("invalid server id")
	ErrInvalidModule   = errors.New("invalid module")
)
