package task

import "errors"

// Contract-violation errors. These indicate caller bugs (bad transition,
// malformed tree) and are never retried by the scheduling core.
var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidTaskStructure   = errors.New("invalid task structure")
)
