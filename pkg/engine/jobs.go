package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of work started in the background. There is no way to
// cancel a running job; host jobs are bounded by their timeout only.
type Job struct {
	Name string
	done chan struct{}
	res  Result
}

// Spawn runs fn in a new goroutine and returns its handle.
func Spawn(name string, fn func() Result) *Job {
	j := &Job{Name: name, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.res = fn()
	}()
	return j
}

// SpawnHost runs a host command in the background.
func SpawnHost(cmd string, timeout time.Duration) *Job {
	return Spawn(cmd, func() Result {
		return RunOnHost(context.Background(), cmd, timeout)
	})
}

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() Result {
	<-j.done
	return j.res
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// WaitAll joins every job and returns results in the order given.
func WaitAll(jobs ...*Job) []Result {
	results := make([]Result, len(jobs))
	for i, j := range jobs {
		results[i] = j.Wait()
	}
	return results
}

// JobGroup runs named tasks concurrently and joins all of them. Unlike a
// bare errgroup, Wait reports every failure, not just the first, and one
// failing task does not stop the others.
type JobGroup struct {
	g    errgroup.Group
	mu   sync.Mutex
	errs []error
}

// SetLimit bounds the number of tasks running at once. n <= 0 means no limit.
func (g *JobGroup) SetLimit(n int) {
	if n > 0 {
		g.g.SetLimit(n)
	}
}

// Go starts fn.
func (g *JobGroup) Go(name string, fn func() error) {
	g.g.Go(func() error {
		if err := fn(); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, fmt.Errorf("%s: %w", name, err))
			g.mu.Unlock()
		}
		return nil
	})
}

// Wait blocks until every task returns and joins their errors.
func (g *JobGroup) Wait() error {
	g.g.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
