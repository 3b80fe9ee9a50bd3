package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"facilitator/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) InsertRoom(ctx context.Context, room domain.Room) error {
	if room.CreatedAt == "" {
		room.CreatedAt = nowString()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rooms(id,name,created_at) VALUES (?,?,?)`, room.ID, room.Name, room.CreatedAt)
	return err
}

// EnsureRoom inserts the room when missing and returns the stored row.
func (r Repo) EnsureRoom(ctx context.Context, id, name string) (domain.Room, error) {
	if name == "" {
		name = id
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO rooms(id,name,created_at) VALUES (?,?,?)`, id, name, nowString()); err != nil {
		return domain.Room{}, err
	}
	return r.GetRoom(ctx, id)
}

func (r Repo) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	var room domain.Room
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM rooms WHERE id=?`, id).Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return room, ErrNotFound
	}
	return room, err
}

func (r Repo) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Room
	for rows.Next() {
		var room domain.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, rows.Err()
}

// UpsertMember adds or renames a member. New members are appended to the
// end of the room order; existing members keep their position.
func (r Repo) UpsertMember(ctx context.Context, m domain.Member) (domain.Member, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO room_members(room_id,member_id,display_name,board_account_id,position,created_at)
VALUES (?,?,?,?,(SELECT COALESCE(MAX(position),-1)+1 FROM room_members WHERE room_id=?),?)
ON CONFLICT(room_id,member_id) DO UPDATE SET display_name=excluded.display_name, board_account_id=excluded.board_account_id`,
		m.RoomID, m.MemberID, m.DisplayName, nullable(m.BoardAccountID), m.RoomID, nowString())
	if err != nil {
		return domain.Member{}, err
	}
	return r.GetMember(ctx, m.RoomID, m.MemberID)
}

func (r Repo) GetMember(ctx context.Context, roomID, memberID string) (domain.Member, error) {
	return scanMember(r.DB.QueryRowContext(ctx, `SELECT room_id,member_id,display_name,COALESCE(board_account_id,''),position FROM room_members WHERE room_id=? AND member_id=?`, roomID, memberID))
}

func (r Repo) RemoveMember(ctx context.Context, roomID, memberID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM room_members WHERE room_id=? AND member_id=?`, roomID, memberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMembers returns the room roster in position order.
func (r Repo) ListMembers(ctx context.Context, roomID string) ([]domain.Member, error) {
	return r.ListMembersTx(ctx, nil, roomID)
}

func (r Repo) ListMembersTx(ctx context.Context, tx *sql.Tx, roomID string) ([]domain.Member, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT room_id,member_id,display_name,COALESCE(board_account_id,''),position FROM room_members WHERE room_id=? ORDER BY position, member_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanMember(row rowScanner) (domain.Member, error) {
	var m domain.Member
	err := row.Scan(&m.RoomID, &m.MemberID, &m.DisplayName, &m.BoardAccountID, &m.Position)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	if msg.TS == "" {
		msg.TS = nowString()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO messages(room_id,member_id,body,ts) VALUES (?,?,?,?)`, msg.RoomID, msg.MemberID, msg.Body, msg.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (r Repo) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,room_id,member_id,body,ts FROM (
SELECT id,room_id,member_id,body,ts FROM messages WHERE room_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.MemberID, &m.Body, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
