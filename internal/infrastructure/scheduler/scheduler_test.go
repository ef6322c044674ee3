package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	calls atomic.Int32
	err   error
	panic bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }
func (j *countingJob) Run(context.Context) error {
	j.calls.Add(1)
	if j.panic {
		panic("boom")
	}
	return j.err
}

func TestScheduler_RegisterAndRunNow(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	job := &countingJob{name: "a"}
	require.NoError(t, s.Register(job, "*/5 * * * *"))
	assert.ErrorIs(t, s.Register(job, "*/5 * * * *"), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, "* * * * *"), ErrNilJob)

	res, err := s.RunNow(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), job.calls.Load())

	last, ok := s.LastResult("a")
	require.True(t, ok)
	assert.Equal(t, "a", last.JobName)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_RecordsFailuresAndPanics(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, s.Register(&countingJob{name: "fails", err: boom}, "0 * * * *"))
	require.NoError(t, s.Register(&countingJob{name: "panics", panic: true}, "0 * * * *"))

	res, err := s.RunNow(context.Background(), "fails")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, boom)

	res, err = s.RunNow(context.Background(), "panics")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Error, ErrJobPanicked)
}

func TestScheduler_InvalidCron(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	assert.Error(t, s.Register(&countingJob{name: "bad"}, "not a cron"))
}

func TestScheduler_Lifecycle(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())
}
