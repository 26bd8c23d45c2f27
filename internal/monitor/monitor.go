package monitor

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Millisecond

// Line is one message received from a device. An empty Text reports a
// receive failure.
type Line struct {
	Device string    `json:"device"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

type PublishFunc func(Line)

// Poller reads one device cyclically and publishes what arrives.
type Poller struct {
	name     string
	device   devices.Device
	interval time.Duration
	publish  PublishFunc
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(name string, device devices.Device, interval time.Duration, publish PublishFunc, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		name:     name,
		device:   device,
		interval: interval,
		publish:  publish,
		logger:   logger,
	}
}

// Start begins polling. Calling Start on a running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.pollLoop(p.stopChan)

	p.logger.Info("Monitor started",
		zap.String("device", p.name),
		zap.Duration("interval", p.interval))
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Monitor stopped", zap.String("device", p.name))
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	text, err := p.device.Receive()
	if err != nil {
		p.logger.Debug("Monitor receive failed", zap.String("device", p.name), zap.Error(err))
		p.publish(Line{Device: p.name, Time: time.Now()})
		return
	}
	if text == "" {
		return
	}
	p.publish(Line{Device: p.name, Text: text, Time: time.Now()})
}

// Group holds one poller per monitored device.
type Group struct {
	interval time.Duration
	publish  PublishFunc
	logger   *zap.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
}

func NewGroup(interval time.Duration, publish PublishFunc, logger *zap.Logger) *Group {
	return &Group{
		interval: interval,
		publish:  publish,
		logger:   logger,
		pollers:  make(map[string]*Poller),
	}
}

// Toggle stops every poller when any is running, otherwise starts one for
// each connected device. It reports whether monitoring is now active.
func (g *Group) Toggle(statuses []*devices.Status) bool {
	if g.Active() {
		g.StopAll()
		return false
	}

	started := 0
	for _, st := range statuses {
		if !st.Connected() {
			continue
		}
		g.Start(st.Name, st.Device)
		started++
	}
	return started > 0
}

func (g *Group) Start(name string, device devices.Device) {
	g.mu.Lock()
	p, ok := g.pollers[name]
	if !ok {
		p = NewPoller(name, device, g.interval, g.publish, g.logger)
		g.pollers[name] = p
	}
	g.mu.Unlock()

	p.Start()
}

func (g *Group) Stop(name string) {
	g.mu.Lock()
	p, ok := g.pollers[name]
	delete(g.pollers, name)
	g.mu.Unlock()

	if ok {
		p.Stop()
	}
}

func (g *Group) StopAll() {
	g.mu.Lock()
	pollers := g.pollers
	g.pollers = make(map[string]*Poller)
	g.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}

// Active reports whether any device is being monitored.
func (g *Group) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pollers {
		if p.Running() {
			return true
		}
	}
	return false
}

// Devices returns the names of the monitored devices.
func (g *Group) Devices() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.pollers))
	for name := range g.pollers {
		names = append(names, name)
	}
	return names
}
