package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"robotfleet/internal/domain"
)

// Event types appended by the fleet.
const (
	TypeCreated       = "created"
	TypeHealthChanged = "health.changed"
)

// Type qualifies an event type with the entity kind, e.g. "robot.health.changed".
func Type(kind domain.Kind, suffix string) string {
	return string(kind) + "." + suffix
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside tx; the caller owns commit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, entityKind domain.Kind, entityID int64, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, string(entityKind), fmt.Sprintf("%d", entityID), actorID, string(data))
	return err
}

// HealthChanged appends the event recording a committed health flip.
func (w Writer) HealthChanged(ctx context.Context, tx *sql.Tx, c domain.HealthChange, previous bool) error {
	payload := EventPayload{
		"healthy":  c.Healthy,
		"previous": previous,
		"reason":   c.Reason,
	}
	if c.Cause != "" {
		payload["cause"] = c.Cause
	}
	if c.RunID != "" {
		payload["run_id"] = c.RunID
	}
	return w.Append(ctx, tx, Type(c.Kind, TypeHealthChanged), c.Kind, c.ID, c.ActorID, payload)
}
