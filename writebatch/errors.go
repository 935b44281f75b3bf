package writebatch

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownMode is returned when a batch mode cannot be parsed
	ErrUnknownMode = errors.New("unknown batch mode")
)
