package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is an endpoint that receives signed notifications.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // only returned once, on creation
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the subscription receives notices of type typ.
func (s *Subscription) Wants(typ string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == typ {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to a subscriber.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventID        uuid.UUID `json:"event_id"`
	EventType      string    `json:"event_type"`
	StatusCode     int       `json:"status_code"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required,min=1"`
}
