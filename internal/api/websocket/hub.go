package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// sticky message types are replayed to a subscriber when it joins, so a
// freshly opened UI shows the current run state without waiting for a change.
var sticky = map[MessageType]bool{
	MessageTypeRunState:    true,
	MessageTypeControllers: true,
}

type frame struct {
	kind MessageType
	data []byte
}

// Hub fans feed messages out to subscribers. A subscriber that cannot keep
// up is dropped; Broadcast never blocks the sampler.
type Hub struct {
	subscribers map[*Client]struct{}
	latest      map[MessageType][]byte

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Client]struct{}),
		latest:      make(map[MessageType][]byte),
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run dispatches until ctx is done, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Feed hub started")
	defer func() {
		close(h.done)
		h.dropAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.subscribe(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[c]; ok {
				h.dropLocked(c)
				h.logger.Info("Feed subscriber left",
					zap.String("remote_addr", c.remoteAddr()),
					zap.Int("subscribers", len(h.subscribers)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to encode feed message",
					zap.String("type", string(msg.Type)),
					zap.Error(err))
				continue
			}
			h.fanOut(frame{kind: msg.Type, data: data})
		}
	}
}

func (h *Hub) subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[c] = struct{}{}
	for kind, data := range h.latest {
		if c.wants(kind) {
			c.send <- data
		}
	}
	h.logger.Info("Feed subscriber joined",
		zap.String("remote_addr", c.remoteAddr()),
		zap.Strings("types", c.filterNames()),
		zap.Int("subscribers", len(h.subscribers)))
}

func (h *Hub) fanOut(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sticky[f.kind] {
		h.latest[f.kind] = f.data
	}
	for c := range h.subscribers {
		if !c.wants(f.kind) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.dropLocked(c)
			h.logger.Warn("Feed subscriber too slow, dropped",
				zap.String("remote_addr", c.remoteAddr()))
		}
	}
}

func (h *Hub) dropLocked(c *Client) {
	delete(h.subscribers, c)
	close(c.send)
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subscribers {
		h.dropLocked(c)
	}
	h.logger.Info("Feed hub stopped")
}

// Broadcast queues msg for every interested subscriber. It drops msg when
// the queue is full.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Feed queue full, message dropped",
			zap.String("type", string(msg.Type)))
	}
}

// Publish lets plugins push events of their own kind.
func (h *Hub) Publish(kind string, payload any) {
	h.Broadcast(NewMessage(MessageType(kind), payload))
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
