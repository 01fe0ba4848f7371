package workerpool

import (
	"context"
	"time"
)

// TaskFunc is the work a task performs
type TaskFunc func(ctx context.Context) error

// task is a queued unit of work
type task struct {
	key     string
	fn      TaskFunc
	ctx     context.Context
	created time.Time
}

func newTask(ctx context.Context, key string, fn TaskFunc) *task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &task{
		key:     key,
		fn:      fn,
		ctx:     ctx,
		created: time.Now(),
	}
}
