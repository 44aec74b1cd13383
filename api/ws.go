package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// heartbeatInterval matches spec.md §6.2's 20s server heartbeat cadence.
const heartbeatInterval = 20 * time.Second

// missedHeartbeatLimit is spec.md §6.2's "two missed heartbeats" disconnect
// threshold, enforced via the read deadline below.
const missedHeartbeatLimit = 2

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMessage is the client-to-server frame spec.md §6.2 allows:
// {"action":"subscribe","topics":[...]}.
type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// wireFrame is the server-to-client frame shape, {event, payload}.
type wireFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// handleWebSocket implements spec.md §6.2: upgrade, default-subscribe-all,
// honor client subscribe filters, and heartbeat every 20s, disconnecting a
// client that misses two in a row.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		return
	}
	sub, err := s.Bus.Subscribe("*", 64)
	if err != nil {
		return
	}
	defer sub.Unsubscribe()

	client := &wsClient{topics: nil} // nil topics means "all", per spec.md §6.2 default

	done := make(chan struct{})
	go client.readLoop(conn, done)

	conn.SetReadDeadline(time.Now().Add(heartbeatInterval * missedHeartbeatLimit))
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var writeMu sync.Mutex
	writeFrame := func(frame wireFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writeFrame(wireFrame{Event: "heartbeat", Payload: map[string]any{"timestamp": nowRFC3339()}}); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if !client.subscribed(evt.Topic) {
				continue
			}
			if err := writeFrame(wireFrame{Event: evt.Topic, Payload: evt.Payload}); err != nil {
				return
			}
		}
	}
}

// wsClient tracks one connection's topic filter, set by an incoming
// {action:"subscribe"} message (spec.md §6.2).
type wsClient struct {
	mu     sync.RWMutex
	topics map[string]bool // nil: all topics
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topics == nil {
		return true
	}
	return c.topics[topic]
}

func (c *wsClient) setTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(topics) == 0 {
		c.topics = nil
		return
	}
	c.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		c.topics[t] = true
	}
}

// readLoop drains client frames (subscribe filters and pong keepalives),
// closing done when the connection goes away. Every received frame resets
// the read deadline, so pongs alone keep the connection alive between
// heartbeats.
func (c *wsClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatInterval * missedHeartbeatLimit))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatInterval * missedHeartbeatLimit))

		var msg subscribeMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Action == "subscribe" {
			c.setTopics(msg.Topics)
		}
	}
}
