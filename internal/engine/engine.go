package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"facilitator/internal/domain"
	"facilitator/internal/events"
	"facilitator/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict means the session or request changed underneath the caller; retry.
	ErrConflict        = errors.New("concurrent update; retry")
	ErrGateOpen        = errors.New("approval gate already open")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrNotMember       = errors.New("voter is not a member of the room")
	ErrNoPendingGate   = errors.New("no pending approval request")
)

// TransitionError reports an attempted move off the transition table.
type TransitionError struct {
	From domain.State
	To   domain.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var successors = map[domain.State][]domain.State{
	domain.StateIdle:            {domain.StateWeeklyKickoff},
	domain.StateWeeklyKickoff:   {domain.StateSkeletonDraft},
	domain.StateSkeletonDraft:   {domain.StateSkeletonQA},
	domain.StateSkeletonQA:      {domain.StateApprovalGate1},
	domain.StateApprovalGate1:   {domain.StatePlanningMeeting, domain.StateSkeletonDraft},
	domain.StatePlanningMeeting: {domain.StateTaskProposals},
	domain.StateTaskProposals:   {domain.StateApprovalGate2},
	domain.StateApprovalGate2:   {domain.StateTrelloPublish, domain.StateTaskProposals},
	domain.StateTrelloPublish:   {domain.StateMonitor},
	domain.StateMonitor:         {domain.StateWeeklyReview},
	domain.StateWeeklyReview:    {domain.StateIdle},
}

// Successors returns the states reachable from s in one step.
func Successors(s domain.State) []domain.State {
	return append([]domain.State(nil), successors[s]...)
}

// CanTransition reports whether from -> to is on the transition table.
func CanTransition(from, to domain.State) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ensureSessionTransition(from, to domain.State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func isGateState(s domain.State) bool {
	return s == domain.StateApprovalGate1 || s == domain.StateApprovalGate2
}

// Patch mutates session data in place. It runs against the row as read
// inside the writing transaction.
type Patch func(*domain.SessionData)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// WeekNumber returns the 1-based week of the term containing now. Without a
// term start it falls back to the ISO week encoded as YYYYWW.
func WeekNumber(now, termStart time.Time) int {
	if termStart.IsZero() {
		y, w := now.ISOWeek()
		return y*100 + w
	}
	days := int(now.Sub(termStart).Hours() / 24)
	if days < 0 {
		return 1
	}
	return days/7 + 1
}

// EnsureSession returns the room's session for week, creating it when
// missing. A new session carries the previous week's review summary.
func (e Engine) EnsureSession(ctx context.Context, roomID string, week int, actorID string) (domain.Session, bool, error) {
	if s, err := e.Repo.GetSessionByWeek(ctx, roomID, week); err == nil {
		return s, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, false, err
	}
	defer tx.Rollback()

	var prior string
	prev, err := e.Repo.PreviousSessionTx(ctx, tx, roomID, week)
	switch {
	case err == nil:
		prior = prev.Data.ReviewSummary()
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Session{}, false, err
	}
	now := e.stamp()
	s := domain.Session{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		WeekNumber: week,
		State:      domain.StateIdle,
		Data: domain.SessionData{
			DataVersion: domain.DataVersion,
			Kickoff:     &domain.KickoffData{PriorReview: prior},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := e.Repo.InsertSessionTx(ctx, tx, s)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.SessionCreated, RoomID: roomID, SessionID: s.ID,
			EntityKind: "session", EntityID: s.ID, ActorID: actorID,
			Payload: events.EventPayload{"week_number": week, "has_prior_review": prior != ""},
		}); err != nil {
			return domain.Session{}, false, err
		}
	}
	stored, err := e.Repo.GetSessionByWeekTx(ctx, tx, roomID, week)
	if err != nil {
		return domain.Session{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, false, err
	}
	return stored, inserted, nil
}

// AdvanceOptions describe one state change.
type AdvanceOptions struct {
	SessionID string
	// Version is the session version the caller observed; 0 skips the check.
	Version int
	Target  domain.State
	Patch   Patch
	ActorID string
	Reason  string
}

// Advance moves a session along the transition table and merges the patch
// in one read-modify-write. Illegal targets fail before any write.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s, err := e.loadForWrite(ctx, tx, opts.SessionID, opts.Version)
	if err != nil {
		return domain.Session{}, err
	}
	if err := ensureSessionTransition(s.State, opts.Target); err != nil {
		return domain.Session{}, err
	}
	if isGateState(s.State) {
		// leaving a gate is only possible through a vote while a request is open
		if _, err := e.Repo.PendingApprovalTx(ctx, tx, s.ID); err == nil {
			return domain.Session{}, ErrGateOpen
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, err
		}
	}
	from := s.State
	updated, err := e.writeSession(ctx, tx, s, opts.Target, opts.Patch)
	if err != nil {
		return domain.Session{}, err
	}
	payload := events.EventPayload{"from": from, "to": opts.Target, "version": updated.Version}
	if opts.Reason != "" {
		payload["reason"] = opts.Reason
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.SessionAdvanced, RoomID: s.RoomID, SessionID: s.ID,
		EntityKind: "session", EntityID: s.ID, ActorID: opts.ActorID, Payload: payload,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

// PatchData mutates session data without changing state.
func (e Engine) PatchData(ctx context.Context, sessionID string, version int, patch Patch) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.loadForWrite(ctx, tx, sessionID, version)
	if err != nil {
		return domain.Session{}, err
	}
	updated, err := e.writeSession(ctx, tx, s, s.State, patch)
	if err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

func (e Engine) loadForWrite(ctx context.Context, tx *sql.Tx, sessionID string, version int) (domain.Session, error) {
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if version != 0 && s.Version != version {
		return domain.Session{}, fmt.Errorf("session %s at version %d, expected %d: %w", s.ID, s.Version, version, ErrConflict)
	}
	return s, nil
}

func (e Engine) writeSession(ctx context.Context, tx *sql.Tx, s domain.Session, target domain.State, patch Patch) (domain.Session, error) {
	if patch != nil {
		patch(&s.Data)
	}
	s.State = target
	s.UpdatedAt = e.stamp()
	v, err := e.Repo.UpdateSessionTx(ctx, tx, s)
	if err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return domain.Session{}, fmt.Errorf("session %s: %w", s.ID, ErrConflict)
		}
		return domain.Session{}, err
	}
	s.Version = v
	s.Data.DataVersion = domain.DataVersion
	return s, nil
}
