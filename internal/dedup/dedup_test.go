package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDo_JoinsConcurrentCalls(t *testing.T) {
	var g Group[[]int]
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) ([]int, error) {
		calls.Add(1)
		<-release
		return []int{1, 2, 3}, nil
	}

	var wg sync.WaitGroup
	results := make([][]int, 2)
	shared := make([]bool, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, s, err := g.Do(context.Background(), "AAPL|1hour", fn)
			assert.NoError(t, err)
			results[i], shared[i] = v, s
		}()
	}

	waitFor(t, func() bool { return g.Callers("AAPL|1hour") == 2 })
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, results[0], results[1])
	assert.True(t, shared[0] && shared[1])
	assert.Zero(t, g.InFlight())
}

func TestDo_DistinctKeysRunSeparately(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32

	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}
	_, _, err := g.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	_, _, err = g.Do(context.Background(), "b", fn)
	require.NoError(t, err)
	_, _, err = g.Do(context.Background(), "a", fn)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load(), "completed calls are not cached")
}

func TestDo_ErrorSharedWithJoiners(t *testing.T) {
	var g Group[int]
	boom := errors.New("upstream down")
	release := make(chan struct{})

	fn := func(context.Context) (int, error) {
		<-release
		return 0, boom
	}

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, _, err := g.Do(context.Background(), "k", fn)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return g.Callers("k") == 2 })
	close(release)

	assert.ErrorIs(t, <-errs, boom)
	assert.ErrorIs(t, <-errs, boom)
}

func TestDo_CallerCancelDoesNotFailLeader(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	var sawCancel atomic.Bool

	fn := func(ctx context.Context) (int, error) {
		<-release
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return 42, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", fn)
		impatient <- err
	}()
	waitFor(t, func() bool { return g.Callers("k") == 1 })

	patient := make(chan int, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		patient <- v
	}()
	waitFor(t, func() bool { return g.Callers("k") == 2 })

	cancel()
	assert.ErrorIs(t, <-impatient, context.Canceled)

	close(release)
	assert.Equal(t, 42, <-patient)
	assert.False(t, sawCancel.Load())
}

func TestGuard(t *testing.T) {
	var g Group[int]

	busy, release := g.Guard("MSFT|1day")
	assert.False(t, busy)
	assert.Equal(t, 1, g.Callers("MSFT|1day"))

	busy2, release2 := g.Guard("MSFT|1day")
	assert.True(t, busy2, "second registration sees the first")

	other, releaseOther := g.Guard("MSFT|1hour")
	assert.False(t, other)
	releaseOther()

	release()
	release()
	assert.Equal(t, 1, g.Callers("MSFT|1day"), "release is idempotent")

	release2()
	assert.Zero(t, g.InFlight())

	again, releaseAgain := g.Guard("MSFT|1day")
	defer releaseAgain()
	assert.False(t, again, "key is free once every holder released")
}

func TestGuard_SeesPendingDo(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		assert.NoError(t, err)
	}()

	waitFor(t, func() bool { return g.Callers("k") == 1 })
	busy, rel := g.Guard("k")
	assert.True(t, busy)
	rel()

	close(release)
	<-done
	assert.Zero(t, g.InFlight())
}
