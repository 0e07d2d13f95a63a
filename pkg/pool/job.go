package pool

import (
	"context"
	"time"
)

// Job is a handle on a function posted to a worker.
type Job struct {
	fn     string
	arg    uint64
	worker int
	start  time.Time

	done   chan struct{}
	result uint64
	err    error
}

// Function returns the name of the function the job runs.
func (j *Job) Function() string { return j.fn }

// Worker returns the index of the worker running the job.
func (j *Job) Worker() int { return j.worker }

// Done is closed when the function returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished and returns the function's r0.
func (j *Job) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (j *Job) finish(result uint64, err error) {
	j.result, j.err = result, err
	close(j.done)
}
