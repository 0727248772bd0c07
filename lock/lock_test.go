package lock

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

func TestDoSerializesSameKey(t *testing.T) {
	table := New()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := table.Do(ctx, "CourseModule:1:", func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load(), "only one goroutine may hold a key")
	assert.Equal(t, 0, table.Len(), "idle keys must be dropped")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	table := New()
	ctx := context.Background()

	release, err := table.Acquire(ctx, "a")
	require.NoError(t, err)
	defer release()

	done := make(chan struct{})
	go func() {
		_ = table.Do(ctx, "b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("holding key a blocked key b")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	table := New()

	release, err := table.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, table.Len())
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	table := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := table.Do(ctx, "k", func() error { return boom })
	require.ErrorIs(t, err, boom)

	func() {
		defer func() { _ = recover() }()
		_ = table.Do(ctx, "k", func() error { panic("bad") })
	}()

	require.NoError(t, table.Do(ctx, "k", func() error { return nil }))
	assert.Equal(t, 0, table.Len())
}
