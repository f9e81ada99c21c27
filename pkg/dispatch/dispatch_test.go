package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/dispatch"
)

func TestInline_RunsOnCaller(t *testing.T) {
	ran := false
	require.NoError(t, dispatch.Inline{}.Schedule(func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_PreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := dispatch.NewLoop("test-loop", 8, nil)
	require.NoError(t, loop.Start(ctx))
	defer loop.Stop(context.Background())

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		require.NoError(t, loop.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for scheduled work")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_SurvivesPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := dispatch.NewLoop("panicky", 4, nil)
	require.NoError(t, loop.Start(ctx))
	defer loop.Stop(context.Background())

	done := make(chan struct{})
	require.NoError(t, loop.Schedule(func() { panic("boom") }))
	require.NoError(t, loop.Schedule(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not recover from panic")
	}
	assert.Eventually(t, func() bool {
		return loop.State().Metadata["panics"] == "1"
	}, time.Second, 10*time.Millisecond)
}

func TestLoop_StopRejectsNewWork(t *testing.T) {
	ctx := context.Background()
	loop := dispatch.NewLoop("stopping", 4, nil)
	require.NoError(t, loop.Start(ctx))
	assert.Equal(t, worker.StatusRunning, loop.State().Status)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Stop(stopCtx))

	assert.Eventually(t, func() bool {
		return loop.Schedule(func() {}) != nil
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, loop.Schedule(func() {}), core.ErrClosed)
}

func TestLoop_DoubleStartFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := dispatch.NewLoop("twice", 1, nil)
	require.NoError(t, loop.Start(ctx))
	defer loop.Stop(context.Background())

	assert.Error(t, loop.Start(ctx))
}

func TestLoop_ScheduleWaitsForRoomInFullQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := dispatch.NewLoop("narrow", 1, nil)
	require.NoError(t, loop.Start(ctx))
	defer loop.Stop(context.Background())

	const jobs = 5
	var ran sync.WaitGroup
	ran.Add(jobs)
	scheduled := make(chan error, 1)
	go func() {
		for i := 0; i < jobs; i++ {
			if err := loop.Schedule(func() {
				time.Sleep(20 * time.Millisecond)
				ran.Done()
			}); err != nil {
				scheduled <- err
				return
			}
		}
		scheduled <- nil
	}()

	select {
	case err := <-scheduled:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule stayed blocked on a full queue")
	}

	finished := make(chan struct{})
	go func() {
		ran.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("queued work did not run")
	}
	assert.Eventually(t, func() bool {
		return loop.State().Metadata["ran"] == "5"
	}, time.Second, 10*time.Millisecond)
}

func TestLoop_StopReleasesBlockedSchedulers(t *testing.T) {
	loop := dispatch.NewLoop("blocked", 1, nil)
	require.NoError(t, loop.Start(context.Background()))

	release := make(chan struct{})
	require.NoError(t, loop.Schedule(func() { <-release }))

	// Fill the queue behind the stuck job, then block one more sender.
	require.Eventually(t, func() bool {
		return loop.State().Metadata["queued"] == "0"
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, loop.Schedule(func() {}))
	blocked := make(chan error, 1)
	go func() { blocked <- loop.Schedule(func() {}) }()

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Stop(context.Background()) }()
	close(release)

	select {
	case err := <-blocked:
		if err != nil {
			assert.ErrorIs(t, err, core.ErrClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Schedule was not released by Stop")
	}
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestFunc_AdaptsScheduler(t *testing.T) {
	var queued []func()
	var sched core.Scheduler = dispatch.Func(func(fn func()) error {
		queued = append(queued, fn)
		return nil
	})

	ran := false
	require.NoError(t, sched.Schedule(func() { ran = true }))
	require.Len(t, queued, 1)
	assert.False(t, ran)
	queued[0]()
	assert.True(t, ran)
}
