package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"facilitator/internal/domain"
)

const sessionColumns = `id,room_id,week_number,state,data_json,version,created_at,updated_at`

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var state, data string
	err := row.Scan(&s.ID, &s.RoomID, &s.WeekNumber, &state, &data, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.State = domain.State(state)
	if err := json.Unmarshal([]byte(data), &s.Data); err != nil {
		return s, fmt.Errorf("decode session %s data: %w", s.ID, err)
	}
	s.Data.Upgrade()
	return s, nil
}

// InsertSessionTx creates the session unless one already exists for the
// room and week. It reports whether a row was inserted.
func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) (bool, error) {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.RoomID, s.WeekNumber, string(s.State), string(data), s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionByWeek(ctx context.Context, roomID string, week int) (domain.Session, error) {
	return r.GetSessionByWeekTx(ctx, nil, roomID, week)
}

func (r Repo) GetSessionByWeekTx(ctx context.Context, tx *sql.Tx, roomID string, week int) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_id=? AND week_number=?`, roomID, week))
}

// PreviousSessionTx returns the latest session of the room before week.
func (r Repo) PreviousSessionTx(ctx context.Context, tx *sql.Tx, roomID string, week int) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_id=? AND week_number<? ORDER BY week_number DESC LIMIT 1`, roomID, week))
}

// LatestSession returns the room's session with the highest week number.
func (r Repo) LatestSession(ctx context.Context, roomID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_id=? ORDER BY week_number DESC LIMIT 1`, roomID))
}

func (r Repo) ListSessions(ctx context.Context, roomID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_id=? ORDER BY week_number DESC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionTx writes state and data when the stored version still equals
// s.Version, then bumps it. A stale version yields ErrVersionConflict.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) (int, error) {
	s.Data.DataVersion = domain.DataVersion
	data, err := json.Marshal(s.Data)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET state=?, data_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(s.State), string(data), s.UpdatedAt, s.ID, s.Version)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return s.Version + 1, nil
}
