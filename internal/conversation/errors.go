package conversation

import "errors"

// ErrInvalidInput is returned when a chat payload is not a sequence of
// role/content records. State is never mutated when it is returned.
var ErrInvalidInput = errors.New("invalid input")
