package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPositionClosed   = errors.New("position already closed")
	ErrPositionFrozen   = errors.New("position frozen")
	ErrMissingFeature   = errors.New("missing feature value")
	ErrStaleSnapshot    = errors.New("feature snapshot too old")
	ErrExecutionFailed  = errors.New("order execution failed")
	ErrExecutionTimeout = errors.New("order execution timed out")
	ErrInconsistent     = errors.New("position state inconsistent")
	ErrMaxPositions     = errors.New("max open positions reached")
	ErrContextDone      = errors.New("context cancelled")
)
