package repo

import (
	"context"
	"database/sql"

	"facilitator/internal/domain"
)

const approvalColumns = `id,session_id,room_id,type,payload_json,payload_digest,status,resolved_by,resolved_at,created_by,created_at`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var typ, status string
	var resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.RoomID, &typ, &a.Payload, &a.PayloadDigest, &status, &resolvedBy, &resolvedAt, &a.CreatedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Type = domain.GateType(typ)
	a.Status = domain.GateStatus(status)
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approval_requests(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.RoomID, string(a.Type), a.Payload, a.PayloadDigest, string(a.Status),
		nullableStringPtr(a.ResolvedBy), nullableStringPtr(a.ResolvedAt), a.CreatedBy, a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return r.GetApprovalTx(ctx, nil, id)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

// PendingApproval returns the open request of a session, or ErrNotFound.
func (r Repo) PendingApproval(ctx context.Context, sessionID string) (domain.ApprovalRequest, error) {
	return r.PendingApprovalTx(ctx, nil, sessionID)
}

func (r Repo) PendingApprovalTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.ApprovalRequest, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE session_id=? AND status='pending'`, sessionID))
}

func (r Repo) ListApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE session_id=? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApprovalTx moves a pending request to a final status. It returns
// ErrVersionConflict if the request was no longer pending.
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id string, status domain.GateStatus, by, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approval_requests SET status=?, resolved_by=?, resolved_at=? WHERE id=? AND status='pending'`,
		string(status), nullable(by), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpsertVoteTx records a voter's choice, replacing any earlier one.
func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO votes(request_id,voter_id,vote,comment,ts) VALUES (?,?,?,?,?)
ON CONFLICT(request_id,voter_id) DO UPDATE SET vote=excluded.vote, comment=excluded.comment, ts=excluded.ts`,
		v.RequestID, v.VoterID, string(v.Vote), nullable(v.Comment), v.TS)
	return err
}

func (r Repo) ListVotes(ctx context.Context, requestID string) ([]domain.Vote, error) {
	return r.ListVotesTx(ctx, nil, requestID)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Vote, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT request_id,voter_id,vote,COALESCE(comment,''),ts FROM votes WHERE request_id=? ORDER BY ts, voter_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var choice string
		if err := rows.Scan(&v.RequestID, &v.VoterID, &choice, &v.Comment, &v.TS); err != nil {
			return nil, err
		}
		v.Vote = domain.VoteChoice(choice)
		res = append(res, v)
	}
	return res, rows.Err()
}
