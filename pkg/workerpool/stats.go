package workerpool

import (
	"sync/atomic"
	"time"
)

// Stats contains pool statistics
type Stats struct {
	ActiveWorkers  int           // Currently running workers
	QueuedTasks    int           // Tasks waiting in queue
	CompletedTasks int64         // Tasks that ran to completion, successfully or not
	FailedTasks    int64         // Tasks that returned an error, panicked or were cancelled
	RejectedTasks  int64         // TrySubmit calls refused on a full queue
	AverageLatency time.Duration // Average task execution time
	Uptime         time.Duration
}

type statsCollector struct {
	activeWorkers  atomic.Int32
	completedTasks atomic.Int64
	failedTasks    atomic.Int64
	rejectedTasks  atomic.Int64
	totalLatency   atomic.Int64 // in nanoseconds
	startTime      time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{startTime: time.Now()}
}

func (s *statsCollector) snapshot(queueLen int) Stats {
	completed := s.completedTasks.Load()
	var avgLatency time.Duration
	if completed > 0 {
		avgLatency = time.Duration(s.totalLatency.Load() / completed)
	}

	return Stats{
		ActiveWorkers:  int(s.activeWorkers.Load()),
		QueuedTasks:    queueLen,
		CompletedTasks: completed,
		FailedTasks:    s.failedTasks.Load(),
		RejectedTasks:  s.rejectedTasks.Load(),
		AverageLatency: avgLatency,
		Uptime:         time.Since(s.startTime),
	}
}

func (s *statsCollector) recordTaskCompletion(duration time.Duration) {
	s.completedTasks.Add(1)
	s.totalLatency.Add(int64(duration))
}
