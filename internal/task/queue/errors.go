package queue

import "errors"

var (
	ErrPaused          = errors.New("task queue paused")
	ErrClosed          = errors.New("task queue closed")
	ErrInvalidPriority = errors.New("task priority out of range")
	ErrNoExecutor      = errors.New("task has no executor")
	ErrTaskTimeout     = errors.New("task exceeded execution timeout")
)
