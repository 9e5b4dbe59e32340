package remote

import (
	"context"
	"time"
)

// Action is what happened to an entity on the authoritative store.
type Action string

const (
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is a change notification pushed by the server when another device
// writes to the team's data.
type Event struct {
	Collection string    `json:"collection"`
	Action     Action    `json:"action"`
	TeamID     string    `json:"teamId"`
	EntityID   int       `json:"entityId"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler processes an incoming change notification.
type Handler func(Event) error

// Notifier delivers real-time change notifications. Separate from Adapter so
// the delivery mechanism (websocket, SSE, polling) can vary without touching
// the sync logic.
type Notifier interface {
	// Subscribe starts listening and invokes handler for each event. It blocks
	// until ctx is canceled or the subscription fails permanently.
	Subscribe(ctx context.Context, handler Handler) error

	// Unsubscribe stops listening.
	Unsubscribe() error

	// IsConnected reports whether the connection is currently live.
	IsConnected() bool

	// Close releases the notifier.
	Close() error
}

// BackoffStrategy defines how reconnection delays grow.
type BackoffStrategy interface {
	// NextDelay returns the delay before the next reconnection attempt.
	NextDelay(attempt int) time.Duration

	// Reset resets the strategy after a successful connection.
	Reset()
}

// ExponentialBackoff implements capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}

	result := time.Duration(float64(eb.InitialDelay) * multiplier)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}

func (eb *ExponentialBackoff) Reset() {}

// DefaultBackoff is the reconnect policy used when none is configured.
func DefaultBackoff() BackoffStrategy {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}
