package devices

import (
	"context"
	"sync"
)

// ActiveCounter tracks how many controllers are currently driving hardware.
// It is shared by every controller built during one application lifetime.
type ActiveCounter struct {
	// notifyMu orders listener calls the same way as the updates.
	notifyMu sync.Mutex

	mu           sync.Mutex
	active       int
	controllable bool
	listeners    []func(active int, controllable bool)
}

func NewActiveCounter() *ActiveCounter {
	return &ActiveCounter{}
}

// OnChange registers fn to be called after every increment or decrement.
// fn runs with the counter unlocked and must not start or stop controllers.
func (c *ActiveCounter) OnChange(fn func(active int, controllable bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *ActiveCounter) increment() {
	c.update(func() {
		c.active++
		c.controllable = true
	})
}

func (c *ActiveCounter) decrement() {
	c.update(func() {
		if c.active > 0 {
			c.active--
		}
		if c.active == 0 {
			c.controllable = false
		}
	})
}

func (c *ActiveCounter) update(change func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	change()
	active, controllable := c.active, c.controllable
	listeners := append([]func(int, bool){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(active, controllable)
	}
}

func (c *ActiveCounter) Controllable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controllable
}

func (c *ActiveCounter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CountedController wraps a hardware controller so that each successful
// Start increments the shared counter and the matching Stop decrements it once.
type CountedController struct {
	inner   Controller
	counter *ActiveCounter

	mu      sync.Mutex
	started bool
}

func NewCountedController(inner Controller, counter *ActiveCounter) *CountedController {
	return &CountedController{inner: inner, counter: counter}
}

func (c *CountedController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if err := c.inner.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.counter.increment()
	return nil
}

// Stop is a no-op unless the controller is started.
func (c *CountedController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	c.counter.decrement()
	return c.inner.Stop(ctx)
}

func (c *CountedController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
