package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOkEventIsSharedAndResolved(t *testing.T) {
	t.Parallel()

	a, b := OkEvent(), OkEvent()
	assert.Same(t, a, b)
	assert.True(t, a.IsAvailable())
	assert.True(t, a.IsConcrete())
	assert.False(t, a.IsError())
	assert.NoError(t, a.Wait())
}

func TestErrorEvent(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	e := ErrorEvent(boom)
	assert.True(t, e.IsAvailable())
	assert.True(t, e.IsError())
	assert.False(t, e.IsConcrete())
	assert.ErrorIs(t, e.Wait(), boom)
}

func TestEventResolvesOnce(t *testing.T) {
	t.Parallel()

	e := NewEvent()
	assert.False(t, e.IsAvailable())
	assert.NoError(t, e.Err())

	e.SetAvailable()
	assert.Panics(t, func() { e.SetAvailable() })
	assert.Panics(t, func() { e.SetError(errors.New("late")) })
	assert.True(t, e.IsConcrete())
}

func TestSetErrorRejectsNil(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewEvent().SetError(nil) })
}

func TestManyWaiters(t *testing.T) {
	t.Parallel()

	e := NewEvent()
	boom := errors.New("boom")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Wait()
		}()
	}
	e.SetError(boom)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	t.Parallel()

	e := NewEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, e.Await(ctx), context.DeadlineExceeded)
	assert.False(t, e.IsAvailable())

	e.SetAvailable()
	assert.NoError(t, e.Await(context.Background()))
}

func TestAndThen(t *testing.T) {
	t.Parallel()

	t.Run("pending", func(t *testing.T) {
		e := NewEvent()
		var got []error
		e.AndThen(func(err error) { got = append(got, err) })
		e.AndThen(func(err error) { got = append(got, err) })
		assert.Empty(t, got)

		boom := errors.New("boom")
		e.SetError(boom)
		require.Len(t, got, 2)
		assert.ErrorIs(t, got[0], boom)
		assert.ErrorIs(t, got[1], boom)
	})

	t.Run("resolved", func(t *testing.T) {
		called := false
		OkEvent().AndThen(func(err error) {
			assert.NoError(t, err)
			called = true
		})
		assert.True(t, called)
	})
}

func TestCountDown(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewCountDown(0) })

	c := NewCountDown(3)
	assert.False(t, c.CountDown(1))
	assert.False(t, c.CountDown(1))
	assert.False(t, c.Event().IsAvailable())
	assert.True(t, c.CountDown(1))
	assert.True(t, c.Event().IsConcrete())
	assert.Panics(t, func() { c.CountDown(1) })
}

func TestCountDownKeepsFirstError(t *testing.T) {
	t.Parallel()

	first, second := errors.New("first"), errors.New("second")
	c := NewCountDown(2)
	c.Error(nil)
	c.Error(first)
	c.CountDown(1)
	c.Error(second)
	c.CountDown(1)

	assert.ErrorIs(t, c.Event().Wait(), first)
}

func TestCountDownConcurrent(t *testing.T) {
	t.Parallel()

	const n = 64
	c := NewCountDown(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CountDown(1)
		}()
	}
	wg.Wait()
	assert.NoError(t, c.Event().Wait())
}
