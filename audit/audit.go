// Package audit appends immutable business events and transactional outbox
// messages. Both writes happen inside the caller's transaction so an
// engagement transition, its event, and its downstream notification commit
// or roll back together.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event captures one immutable business event for an engagement.
type Event struct {
	ID           int64
	EngagementID string
	Seq          int
	Type         string
	ActorID      *string
	Payload      []byte
	CreatedAt    time.Time
}

// Log writes append-only engagement events.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

// Append inserts one event inside the active transaction. The sequence number
// is assigned by the database so concurrent writers never collide.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID *string, payload map[string]any) error {
	if engagementID == "" {
		return fmt.Errorf("audit: missing engagement id")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal event payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
INSERT INTO engagement_events (engagement_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, engagementID, eventType, body, actor); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Outbox enqueues messages for downstream delivery (payment rail adapters,
// notification fan-out).
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue inserts one outbox message inside the active transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("audit: missing outbox topic")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("audit: enqueue outbox: %w", err)
	}
	return nil
}
