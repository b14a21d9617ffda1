package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a notification fanned out to interested rooms. Payload is
// ad-hoc JSON, delivery is at-least-once and consumers must tolerate
// duplicates.
type Event struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

// Publisher defines the interface for broadcasting notification events.
// A room is a routing key: "member:{id}", "admin", "staff:{branch}".
type Publisher interface {
	Publish(room, event string, payload interface{}) error
	Close()
}

// Consumer defines the interface for receiving notification events
type Consumer interface {
	Receive(ctx context.Context, pattern string) (<-chan Event, error)
	Close()
}
