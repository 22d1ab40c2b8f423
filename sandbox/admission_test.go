package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission(t *testing.T) {
	t.Run("ClampsLimit", func(t *testing.T) {
		assert.Equal(t, 1, NewAdmission(0, 0).Capacity())
		assert.Equal(t, 3, NewAdmission(3, 0).Capacity())
	})

	t.Run("RejectsImmediatelyWithoutWait", func(t *testing.T) {
		a := NewAdmission(1, 0)
		release, err := a.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		_, err = a.Acquire(context.Background())
		require.ErrorIs(t, err, ErrCapacity)
		assert.Equal(t, 1, a.InFlight())
	})

	t.Run("WaitsForSlot", func(t *testing.T) {
		a := NewAdmission(1, time.Second)
		release, err := a.Acquire(context.Background())
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			release()
		}()

		second, err := a.Acquire(context.Background())
		require.NoError(t, err)
		second()
		assert.Equal(t, 0, a.InFlight())
	})

	t.Run("QueueTimeout", func(t *testing.T) {
		a := NewAdmission(1, 50*time.Millisecond)
		release, err := a.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		start := time.Now()
		_, err = a.Acquire(context.Background())
		require.ErrorIs(t, err, ErrCapacity)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("CallerGivesUp", func(t *testing.T) {
		a := NewAdmission(1, time.Minute)
		release, err := a.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = a.Acquire(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		a := NewAdmission(2, 0)
		r1, err := a.Acquire(context.Background())
		require.NoError(t, err)
		r2, err := a.Acquire(context.Background())
		require.NoError(t, err)

		r1()
		r1()
		assert.Equal(t, 1, a.InFlight())
		r2()
		assert.Equal(t, 0, a.InFlight())
	})

	t.Run("NeverExceedsLimit", func(t *testing.T) {
		const limit = 3
		a := NewAdmission(limit, time.Second)

		var (
			mu      sync.Mutex
			current int
			peak    int
			wg      sync.WaitGroup
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := a.Acquire(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				current++
				peak = max(peak, current)
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				release()
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, peak, limit)
		assert.Equal(t, 0, a.InFlight())
	})
}
