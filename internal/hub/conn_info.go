package hub

import (
	"time"

	"messaging-service/internal/observability"
)

// ConnInfo identifies the client behind a subscription for connection events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// WSEvent builds the lifecycle event for this connection.
func (i ConnInfo) WSEvent(kind, resource, event, reason string) observability.WSEvent {
	return observability.WSEvent{
		Kind:        kind,
		Resource:    resource,
		Event:       event,
		ConnID:      i.ConnID,
		UserID:      i.UserID,
		DeviceID:    i.DeviceID,
		IP:          i.IP,
		RequestID:   i.RequestID,
		TraceID:     i.TraceID,
		ConnectedAt: i.ConnectedAt,
		Reason:      reason,
	}
}
