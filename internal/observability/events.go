package observability

import (
	"context"
	"sync"
	"time"
)

// Publisher is the event sink behind PublishEvent.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
}

func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	err := publisher.Publish(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// PublishDomainEvent emits a state change under routing key name, for example
// messages.sent or presence.changed.
func PublishDomainEvent(ctx context.Context, name string, payload interface{}) {
	_ = PublishEvent(ctx, name, EventEnvelope{
		EventType:  "domain_events",
		EventName:  name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil)
}

// WSEvent describes a websocket lifecycle event.
type WSEvent struct {
	Kind        string
	Resource    string
	Event       string
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
	Reason      string
}

// PublishWSEvent counts the event and forwards it on ws_events.<kind>.
func PublishWSEvent(ctx context.Context, e WSEvent) {
	IncWSEvent(e.Kind, e.Event)

	var duration int64
	if !e.ConnectedAt.IsZero() {
		duration = time.Since(e.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        e.Kind,
			"resource_id": e.Resource,
			"event":       e.Event,
			"conn_id":     e.ConnID,
			"duration_ms": duration,
			"reason":      e.Reason,
		},
		"identity": map[string]interface{}{
			"user_id":   e.UserID,
			"device_id": e.DeviceID,
			"ip":        e.IP,
		},
	}
	_ = PublishEvent(ctx, "ws_events."+e.Kind, EventEnvelope{
		EventType:  "ws_events",
		EventName:  e.Event,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, BuildHeaders(e.RequestID, e.TraceID))
}
