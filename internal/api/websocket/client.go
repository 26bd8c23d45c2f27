package websocket

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	// room for the sticky replay plus a few seconds of fast sampling
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API is served to the lab network and authenticated before the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one feed subscriber. The feed is one-way; inbound frames are
// read only for close and pong handling.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter map[MessageType]bool
	logger *zap.Logger
}

// wants reports whether the subscriber asked for kind. No filter means everything.
func (c *Client) wants(kind MessageType) bool {
	return len(c.filter) == 0 || c.filter[kind]
}

func (c *Client) filterNames() []string {
	names := make([]string, 0, len(c.filter))
	for k := range c.filter {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Feed read error",
					zap.String("remote_addr", c.remoteAddr()),
					zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(data); err != nil {
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch sends first plus whatever is already queued as one text frame,
// one JSON document per line.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)
	for n := len(c.send); n > 0; n-- {
		data, ok := <-c.send
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		w.Write(data)
	}
	return w.Close()
}

// ParseTypes reads a comma separated list such as "sample,run_state".
func ParseTypes(raw string) []MessageType {
	var out []MessageType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, MessageType(part))
		}
	}
	return out
}

// ServeWs upgrades the request and subscribes the connection to the hub.
// With types given, only those message types are delivered.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, types ...MessageType) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("Feed upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}
	if len(types) > 0 {
		c.filter = make(map[MessageType]bool, len(types))
		for _, t := range types {
			c.filter[t] = true
		}
	}

	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
