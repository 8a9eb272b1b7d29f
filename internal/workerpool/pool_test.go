package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitRunsTask(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	done := make(chan struct{})
	err := p.Submit(context.Background(), func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	p := New(1)
	p.Shutdown()
	err := p.Submit(context.Background(), func() {})
	require.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWatchReturnsTaskError(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	want := errors.New("boom")
	err := p.Watch(context.Background(), func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestWatchReportsDeadlineExceeded(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Watch(ctx, func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func() { panic("oops") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}
