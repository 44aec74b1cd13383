// Package eventbus implements the Event Bus (spec.md §4.5): an embedded NATS
// core publish-subscribe broker (no JetStream — events are best-effort, not
// durable) used to fan events out to WebSocket clients. Grounded directly on
// the teacher's cmd/semspec/app.go startNATS: the same embedded
// nats-server/v2 + nats.Connect wiring, generalized to core pub/sub (the
// teacher additionally opens a JetStream context for its durable KV
// entities; this bus intentionally skips that, matching spec.md's explicit
// drop-on-full-subscriber semantics).
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Topic names for the events spec.md §4.5 enumerates.
const (
	TopicIndexingProgress  = "indexing_progress"
	TopicIndexingComplete  = "indexing_complete"
	TopicIndexingError     = "indexing_error"
	TopicFocusChanged      = "focus_changed"
	TopicDecisionAdded     = "decision_added"
	TopicSacredPlanCreated = "sacred_plan_created"
	TopicSacredPlanApproved = "sacred_plan_approved"
)

// Event is the wire envelope WebSocket clients receive: {event, payload}
// (spec.md §6.2).
type Event struct {
	Topic   string `json:"event"`
	Payload any    `json:"payload"`
}

// IndexingProgressPayload backs TopicIndexingProgress.
type IndexingProgressPayload struct {
	ProjectID   string `json:"project_id"`
	TaskID      string `json:"task_id"`
	Progress    int    `json:"progress"`
	CurrentFile string `json:"current_file,omitempty"`
}

// IndexingCompletePayload backs TopicIndexingComplete.
type IndexingCompletePayload struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Files     int    `json:"files"`
	Chunks    int    `json:"chunks"`
}

// IndexingErrorPayload backs TopicIndexingError.
type IndexingErrorPayload struct {
	ProjectID  string `json:"project_id"`
	TaskID     string `json:"task_id"`
	Error      string `json:"error"`
	FailedFile string `json:"failed_file,omitempty"`
}

// FocusChangedPayload backs TopicFocusChanged.
type FocusChangedPayload struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
}

// DecisionAddedPayload backs TopicDecisionAdded.
type DecisionAddedPayload struct {
	ProjectID  string    `json:"project_id"`
	DecisionID string    `json:"decision_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// SacredPlanCreatedPayload backs TopicSacredPlanCreated.
type SacredPlanCreatedPayload struct {
	ProjectID string `json:"project_id"`
	PlanID    string `json:"plan_id"`
	Title     string `json:"title"`
}

// SacredPlanApprovedPayload backs TopicSacredPlanApproved.
type SacredPlanApprovedPayload struct {
	ProjectID string    `json:"project_id"`
	PlanID    string    `json:"plan_id"`
	Approver  string    `json:"approver"`
	Timestamp time.Time `json:"timestamp"`
}

// subjectPrefix namespaces contextkeeper events on the shared NATS subject
// space so the broker could later carry other traffic without collision.
const subjectPrefix = "contextkeeper.events."

// Bus wraps an embedded or external NATS connection for core pub/sub.
type Bus struct {
	embedded *server.Server
	conn     *nats.Conn
}

// Open starts (or connects to) NATS per cfg, mirroring the teacher's
// startNATS branch on cfg.NATS.URL/.Embedded.
func Open(url string, embedded bool) (*Bus, error) {
	if url != "" && !embedded {
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return &Bus{conn: conn}, nil
	}

	opts := &server.Options{
		Port:      -1,
		JetStream: false,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	return &Bus{embedded: ns, conn: conn}, nil
}

// Close drains the connection and shuts down any embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

// Publish emits an event on topic. Publish is inherently non-blocking in
// NATS core pub/sub — a subscriber whose own delivery channel is full drops
// the message and NATS increments that subscription's drop counter, which
// satisfies spec.md §4.5's "no slow-subscriber backpressure to publishers"
// without the bus needing its own per-subscriber queue.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload for %s: %w", topic, err)
	}
	return b.conn.Publish(subjectPrefix+topic, data)
}

// Subscription is a live handle a fan-out reader drains.
type Subscription struct {
	sub *nats.Subscription
	ch  chan Event
}

// Subscribe attaches a new subscription to topic ("*" subscribes to every
// event topic via NATS wildcard subjects). bufferSize bounds the
// subscriber's own delivery queue (spec.md §4.5's drop-on-full semantics).
func (b *Bus) Subscribe(topic string, bufferSize int) (*Subscription, error) {
	subject := subjectPrefix + topic
	if topic == "*" || topic == "" {
		subject = subjectPrefix + "*"
	}

	ch := make(chan Event, bufferSize)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload json.RawMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		evtTopic := msg.Subject[len(subjectPrefix):]
		select {
		case ch <- Event{Topic: evtTopic, Payload: payload}:
		default:
			// subscriber queue full: drop, matching spec.md §4.5.
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return &Subscription{sub: sub, ch: ch}, nil
}

// Events returns the channel events arrive on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe tears down the subscription.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
