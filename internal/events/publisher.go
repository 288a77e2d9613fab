// Package events publishes marketplace domain events to NATS for downstream
// consumers (notification delivery, analytics). Publishing is best-effort:
// a nil publisher or a publish failure never blocks or fails the operation
// that produced the event.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for published events.
const (
	SubjectOrderCreated   = "market.order.created"
	SubjectOrderConfirmed = "market.order.confirmed"
	SubjectOrderCancelled = "market.order.cancelled"
	SubjectTradeCompleted = "market.trade.completed"
	SubjectWalletAdjusted = "market.wallet.adjusted"
)

// Event is the envelope published on every subject.
type Event struct {
	Subject    string    `json:"subject"`
	OrderID    string    `json:"order_id,omitempty"`
	ListingID  string    `json:"listing_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher wraps a NATS connection. The zero value (or nil) is a no-op
// publisher, so callers never need a nil check.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher creates a publisher over an established NATS connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends the event on its subject. Failures are logged and dropped.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	ev.OccurredAt = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.conn.Publish(ev.Subject, data); err != nil {
		slog.Warn("event publish failed", "subject", ev.Subject, "err", err)
	}
}
