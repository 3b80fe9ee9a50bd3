package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"facilitator/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(room_id,''),COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// EventFilter narrows audit queries. Zero values match everything.
type EventFilter struct {
	RoomID    string
	SessionID string
	Type      string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.RoomID != "" {
		clauses = append(clauses, "room_id=?")
		args = append(args, f.RoomID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	return clauses, args
}

// LatestEvents returns the newest events first, older than cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilter, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// LatestEventID returns the most recent event ID, 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context, roomID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if roomID != "" {
		query += ` WHERE room_id=?`
		args = append(args, roomID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RoomID, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
