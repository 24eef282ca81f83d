package swarm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Task is one partition fetch. Return an error wrapping ErrThrottled when
// the upstream rate-limited the call.
type Task struct {
	Partition string
	Run       func(ctx context.Context) error
}

// Failure ties a failed task to its partition so the cycle can continue
// with the rest and report what is stale.
type Failure struct {
	Partition string
	Err       error
}

// Engine fans a task set out over an AIMD-governed worker pool.
type Engine struct {
	aimd *AIMD

	mu        sync.Mutex
	active    int
	completed int64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
}

// NewEngine builds a pool sized for directory collector APIs.
func NewEngine() *Engine {
	return &Engine{aimd: NewAIMD(8, 2, 64)}
}

// Run executes every task and blocks until all finish or ctx is canceled.
// Failures never abort the set: each failed partition is reported and the
// rest keep going.
func (e *Engine) Run(ctx context.Context, tasks []Task) []Failure {
	queue := make(chan Task)
	results := make(chan Failure, len(tasks))

	var wg sync.WaitGroup
	done := make(chan struct{})

	spawn := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.incActive(1)
			defer e.incActive(-1)
			for {
				// Scale down by letting surplus workers drain off.
				if e.activeCount() > e.aimd.GetConcurrency() {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case task, ok := <-queue:
					if !ok {
						return
					}
					start := time.Now()
					err := task.Run(ctx)
					e.aimd.Feedback(time.Since(start), errors.Is(err, ErrThrottled))
					e.incCompleted()
					results <- Failure{Partition: task.Partition, Err: err}
				}
			}
		}()
	}

	target := e.aimd.GetConcurrency()
	if target > len(tasks) {
		target = len(tasks)
	}
	for i := 0; i < target; i++ {
		spawn()
	}

	// Top up the pool while feeding the queue; the AIMD target moves as
	// feedback arrives.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				want := e.aimd.GetConcurrency()
				for i := e.activeCount(); i < want; i++ {
					spawn()
				}
			}
		}
	}()

	for _, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			close(done)
			wg.Wait()
			close(results)
			return collect(results, tasks, ctx.Err())
		}
	}
	close(queue)
	wg.Wait()
	close(done)
	close(results)
	return collect(results, tasks, nil)
}

// GetStats returns current pool statistics.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveWorkers:  e.active,
		Concurrency:    e.aimd.GetConcurrency(),
		TasksCompleted: e.completed,
	}
}

func (e *Engine) incActive(d int) {
	e.mu.Lock()
	e.active += d
	e.mu.Unlock()
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) incCompleted() {
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
}

// collect folds the per-task outcomes into a failure list. With a non-nil
// cause, tasks that never produced an outcome are reported against it.
func collect(results chan Failure, tasks []Task, cause error) []Failure {
	ran := make(map[string]bool, len(tasks))
	var failures []Failure
	for f := range results {
		ran[f.Partition] = true
		if f.Err != nil {
			failures = append(failures, f)
		}
	}
	if cause != nil {
		for _, t := range tasks {
			if !ran[t.Partition] {
				failures = append(failures, Failure{Partition: t.Partition, Err: cause})
			}
		}
	}
	return failures
}
