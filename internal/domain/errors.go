package domain

import "errors"

// Engine state-machine errors, surfaced to callers and never retried.
var (
	ErrInvalidTrigger     = errors.New("invalid trigger event")
	ErrRunNotFound        = errors.New("pipeline run not found")
	ErrRunAlreadyTerminal = errors.New("pipeline run already terminal")
)
