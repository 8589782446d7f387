// Package events defines the notification sink the network core pushes
// user-facing status updates into. The sink is owned by the surrounding
// application; the core never reaches into ambient global state.
package events

// Event names published by the core.
const (
	ConnectionLost     = "connection.lost"
	ConnectionRestored = "connection.restored"
	ConnectionFailed   = "connection.failed"
	SessionExpired     = "session.expired"
	RateLimited        = "rate.limited"
	QueueOverflow      = "queue.overflow"
	DeliveryFailed     = "delivery.failed"
	Notification       = "notification"
	ForcedReload       = "client.reload"
)

// Sink receives status events. Implementations must not block; slow handlers
// should hand off to their own goroutine.
type Sink interface {
	Publish(event string, detail interface{})
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(string, interface{}) {}
