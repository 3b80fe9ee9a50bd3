package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	SessionCreated     = "session.created"
	SessionAdvanced    = "session.advanced"
	SessionReverted    = "session.reverted"
	GateOpened         = "gate.opened"
	VoteCast           = "vote.cast"
	GateApproved       = "gate.approved"
	GateRejected       = "gate.rejected"
	CardsPublished     = "cards.published"
	PublishFailed      = "publish.failed"
	PublishSkipped     = "publish.skipped"
	GenerationDegraded = "generation.degraded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies what an audit event is about.
type Entry struct {
	Type       string
	RoomID     string
	SessionID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes an event inside tx. There is no update or delete path.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,room_id,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.RoomID), nullable(e.SessionID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

// AppendStandalone writes a single event in its own transaction.
func (w Writer) AppendStandalone(ctx context.Context, e Entry) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
