package consensus

import "errors"

// Closed failure set for Shield Consensus Engine operations (spec.md §4.1).
var (
	ErrInvalidInput   = errors.New("consensus: invalid-input")
	ErrSessionSealed  = errors.New("consensus: session-sealed")
	ErrNotFound       = errors.New("consensus: not-found")
)
