package workerpool

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrQueueFull      = errors.New("task queue is full")
	ErrInvalidConfig  = errors.New("invalid pool configuration")
	ErrForcedShutdown = errors.New("forced shutdown due to timeout")
)

// TaskError wraps task execution errors
type TaskError struct {
	Key   string
	Err   error
	Stack string // Stack trace if panic occurred
}

func (e *TaskError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("task %s failed with panic: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("task %s failed: %v", e.Key, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Panicked reports whether the task panicked
func (e *TaskError) Panicked() bool {
	return e.Stack != ""
}
