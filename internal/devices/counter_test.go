package devices

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	starts, stops int
	startErr      error
}

func (f *fakeController) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.stops++
	return nil
}

func TestActiveCounterZeroBoundary(t *testing.T) {
	ctx := context.Background()
	counter := NewActiveCounter()
	assert.False(t, counter.Controllable())

	ctrls := make([]*CountedController, 4)
	for i := range ctrls {
		ctrls[i] = NewCountedController(&fakeController{}, counter)
	}

	for _, c := range ctrls[:3] {
		require.NoError(t, c.Start(ctx))
	}
	require.NoError(t, ctrls[0].Stop(ctx))
	require.NoError(t, ctrls[1].Stop(ctx))
	assert.True(t, counter.Controllable())
	assert.Equal(t, 1, counter.Active())

	require.NoError(t, ctrls[2].Stop(ctx))
	assert.False(t, counter.Controllable())
	assert.Equal(t, 0, counter.Active())

	require.NoError(t, ctrls[3].Start(ctx))
	assert.True(t, counter.Controllable())
}

func TestCountedControllerStopOncePerStart(t *testing.T) {
	ctx := context.Background()
	counter := NewActiveCounter()
	inner := &fakeController{}
	other := NewCountedController(&fakeController{}, counter)
	c := NewCountedController(inner, counter)

	require.NoError(t, other.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, 1, inner.stops)
	assert.Equal(t, 1, counter.Active())
	assert.True(t, counter.Controllable())
}

func TestCountedControllerFailedStartDoesNotCount(t *testing.T) {
	counter := NewActiveCounter()
	c := NewCountedController(&fakeController{startErr: errors.New("no output")}, counter)

	assert.Error(t, c.Start(context.Background()))
	assert.Equal(t, 0, counter.Active())
	assert.False(t, c.Running())
}

func TestActiveCounterListeners(t *testing.T) {
	counter := NewActiveCounter()
	var seen []int
	counter.OnChange(func(active int, _ bool) { seen = append(seen, active) })

	c := NewCountedController(&fakeController{}, counter)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, []int{1, 0}, seen)
}

func TestActiveCounterListenersSeeUpdatesInOrder(t *testing.T) {
	counter := NewActiveCounter()
	var seen []int
	counter.OnChange(func(active int, _ bool) { seen = append(seen, active) })

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCountedController(&fakeController{}, counter)
			for j := 0; j < 50; j++ {
				assert.NoError(t, c.Start(ctx))
				assert.NoError(t, c.Stop(ctx))
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 8*50*2)
	prev := 0
	for i, active := range seen {
		diff := active - prev
		require.Truef(t, diff == 1 || diff == -1, "notification %d jumped from %d to %d", i, prev, active)
		prev = active
	}
	assert.Equal(t, counter.Active(), seen[len(seen)-1])
	assert.Zero(t, counter.Active())
}
