package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"facilitator/internal/domain"
	"facilitator/internal/events"
	"facilitator/internal/repo"
)

type gateSpec struct {
	from     domain.State
	at       domain.State
	approved domain.State
	rejected domain.State
}

var gates = map[domain.GateType]gateSpec{
	domain.GateSkeleton: {
		from:     domain.StateSkeletonQA,
		at:       domain.StateApprovalGate1,
		approved: domain.StatePlanningMeeting,
		rejected: domain.StateSkeletonDraft,
	},
	domain.GateTaskPlan: {
		from:     domain.StateTaskProposals,
		at:       domain.StateApprovalGate2,
		approved: domain.StateTrelloPublish,
		rejected: domain.StateTaskProposals,
	},
}

// Tally counts approvals among current members.
type Tally struct {
	Approved int `json:"approved"`
	Total    int `json:"total"`
}

func (t Tally) String() string {
	return fmt.Sprintf("%d/%d approved", t.Approved, t.Total)
}

// Resolve evaluates a vote set against the current roster. Any request for
// changes rejects; approval needs every member. Votes from non-members are
// ignored.
func Resolve(votes []domain.Vote, members []domain.Member) (domain.GateStatus, Tally) {
	current := make(map[string]bool, len(members))
	for _, m := range members {
		current[m.MemberID] = true
	}
	tally := Tally{Total: len(members)}
	rejected := false
	for _, v := range votes {
		if !current[v.VoterID] {
			continue
		}
		switch v.Vote {
		case domain.VoteRequestChange:
			rejected = true
		case domain.VoteApprove:
			tally.Approved++
		}
	}
	if rejected {
		return domain.GateRejected, tally
	}
	if tally.Total > 0 && tally.Approved == tally.Total {
		return domain.GateApproved, tally
	}
	return domain.GatePending, tally
}

// PayloadDigest hashes the canonical (RFC 8785) form of a JSON payload.
func PayloadDigest(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// OpenGateOptions describe a new approval request.
type OpenGateOptions struct {
	SessionID string
	Version   int
	Type      domain.GateType
	Payload   any
	Patch     Patch
	ActorID   string
}

// OpenGate records a pending approval request and moves the session into
// the matching gate state in the same transaction.
func (e Engine) OpenGate(ctx context.Context, opts OpenGateOptions) (domain.ApprovalRequest, domain.Session, error) {
	def, ok := gates[opts.Type]
	if !ok {
		return domain.ApprovalRequest{}, domain.Session{}, fmt.Errorf("unknown gate type %q", opts.Type)
	}
	raw, err := json.Marshal(opts.Payload)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, fmt.Errorf("marshal gate payload: %w", err)
	}
	digest, err := PayloadDigest(raw)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, fmt.Errorf("digest gate payload: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	defer tx.Rollback()

	s, err := e.loadForWrite(ctx, tx, opts.SessionID, opts.Version)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	if _, err := e.Repo.PendingApprovalTx(ctx, tx, s.ID); err == nil {
		return domain.ApprovalRequest{}, domain.Session{}, ErrGateOpen
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	if s.State != def.from {
		return domain.ApprovalRequest{}, domain.Session{}, &TransitionError{From: s.State, To: def.at}
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	req := domain.ApprovalRequest{
		ID:            uuid.New().String(),
		SessionID:     s.ID,
		RoomID:        s.RoomID,
		Type:          opts.Type,
		Payload:       string(raw),
		PayloadDigest: digest,
		Status:        domain.GatePending,
		CreatedBy:     actor,
		CreatedAt:     e.stamp(),
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, req); err != nil {
		if isUniqueViolation(err) {
			return domain.ApprovalRequest{}, domain.Session{}, ErrGateOpen
		}
		return domain.ApprovalRequest{}, domain.Session{}, fmt.Errorf("insert approval request: %w", err)
	}
	updated, err := e.writeSession(ctx, tx, s, def.at, opts.Patch)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.GateOpened, RoomID: s.RoomID, SessionID: s.ID,
		EntityKind: "approval_request", EntityID: req.ID, ActorID: actor,
		Payload: events.EventPayload{"type": req.Type, "payload_digest": digest, "from": s.State, "to": def.at},
	}); err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, domain.Session{}, err
	}
	return req, updated, nil
}

// VoteOutcome is the state of a request after a vote was recorded.
type VoteOutcome struct {
	Request  domain.ApprovalRequest
	Resolved bool
	Status   domain.GateStatus
	Tally    Tally
	// Session is set when the vote resolved the request.
	Session *domain.Session
}

// Vote upserts a member's vote and re-evaluates the request against a
// consistent snapshot of all votes. A resolving vote moves the session to
// the gate's approved or rejected successor in the same transaction.
func (e Engine) Vote(ctx context.Context, requestID, voterID string, choice domain.VoteChoice, comment string) (VoteOutcome, error) {
	if !choice.Valid() {
		return VoteOutcome{}, fmt.Errorf("invalid vote %q", choice)
	}
	if strings.TrimSpace(voterID) == "" {
		return VoteOutcome{}, errors.New("voter is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteOutcome{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetApprovalTx(ctx, tx, requestID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if req.Status != domain.GatePending {
		return VoteOutcome{Request: req, Resolved: true, Status: req.Status}, ErrAlreadyResolved
	}
	members, err := e.Repo.ListMembersTx(ctx, tx, req.RoomID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if !hasMember(members, voterID) {
		return VoteOutcome{}, ErrNotMember
	}
	now := e.stamp()
	comment = strings.TrimSpace(comment)
	if err := e.Repo.UpsertVoteTx(ctx, tx, domain.Vote{RequestID: req.ID, VoterID: voterID, Vote: choice, Comment: comment, TS: now}); err != nil {
		return VoteOutcome{}, fmt.Errorf("record vote: %w", err)
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, req.ID)
	if err != nil {
		return VoteOutcome{}, err
	}
	status, tally := Resolve(votes, members)
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.VoteCast, RoomID: req.RoomID, SessionID: req.SessionID,
		EntityKind: "approval_request", EntityID: req.ID, ActorID: voterID,
		Payload: events.EventPayload{"vote": choice, "comment": comment, "tally": tally.String()},
	}); err != nil {
		return VoteOutcome{}, err
	}
	out := VoteOutcome{Request: req, Status: status, Tally: tally}
	if status == domain.GatePending {
		if err := tx.Commit(); err != nil {
			return VoteOutcome{}, err
		}
		return out, nil
	}

	if err := e.Repo.ResolveApprovalTx(ctx, tx, req.ID, status, voterID, now); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return VoteOutcome{}, ErrAlreadyResolved
		}
		return VoteOutcome{}, err
	}
	req.Status = status
	req.ResolvedBy = &voterID
	req.ResolvedAt = &now
	s, err := e.resolveSession(ctx, tx, req, status, voterID, comment)
	if err != nil {
		return VoteOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteOutcome{}, err
	}
	out.Request = req
	out.Resolved = true
	out.Session = &s
	return out, nil
}

func (e Engine) resolveSession(ctx context.Context, tx *sql.Tx, req domain.ApprovalRequest, status domain.GateStatus, voterID, comment string) (domain.Session, error) {
	def := gates[req.Type]
	s, err := e.Repo.GetSessionTx(ctx, tx, req.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.State != def.at {
		return domain.Session{}, fmt.Errorf("session %s in %s while %s gate resolves: %w", s.ID, s.State, req.Type, ErrConflict)
	}
	target := def.approved
	evtType := events.GateApproved
	var patch Patch
	if status == domain.GateRejected {
		target = def.rejected
		evtType = events.GateRejected
		patch = feedbackPatch(req.Type, voterID, comment)
	}
	if err := ensureSessionTransition(s.State, target); err != nil {
		return domain.Session{}, err
	}
	from := s.State
	updated, err := e.writeSession(ctx, tx, s, target, patch)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: evtType, RoomID: req.RoomID, SessionID: req.SessionID,
		EntityKind: "approval_request", EntityID: req.ID, ActorID: voterID,
		Payload: events.EventPayload{"type": req.Type, "payload_digest": req.PayloadDigest},
	}); err != nil {
		return domain.Session{}, err
	}
	transitionType := events.SessionAdvanced
	if status == domain.GateRejected {
		transitionType = events.SessionReverted
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: transitionType, RoomID: req.RoomID, SessionID: req.SessionID,
		EntityKind: "session", EntityID: req.SessionID, ActorID: voterID,
		Payload: events.EventPayload{"from": from, "to": target, "version": updated.Version, "request_id": req.ID},
	}); err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

// feedbackPatch records the dissenting comment where the next draft reads it.
func feedbackPatch(t domain.GateType, voterID, comment string) Patch {
	note := comment
	if note == "" {
		note = "changes requested"
	}
	note = voterID + ": " + note
	return func(d *domain.SessionData) {
		switch t {
		case domain.GateSkeleton:
			if d.Skeleton == nil {
				d.Skeleton = &domain.SkeletonData{}
			}
			d.Skeleton.Feedback = append(d.Skeleton.Feedback, note)
			if d.QA != nil {
				d.QA.Pending = ""
			}
		case domain.GateTaskPlan:
			if d.Proposals == nil {
				d.Proposals = &domain.ProposalData{}
			}
			d.Proposals.Feedback = append(d.Proposals.Feedback, note)
		}
	}
}

// PendingFor returns the open request of a session with its tally.
func (e Engine) PendingFor(ctx context.Context, sessionID string) (domain.ApprovalRequest, Tally, error) {
	req, err := e.Repo.PendingApproval(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, Tally{}, ErrNoPendingGate
		}
		return domain.ApprovalRequest{}, Tally{}, err
	}
	_, tally, err := e.TallyFor(ctx, req)
	return req, tally, err
}

// TallyFor recomputes the status of a request from stored votes.
func (e Engine) TallyFor(ctx context.Context, req domain.ApprovalRequest) ([]domain.Vote, Tally, error) {
	members, err := e.Repo.ListMembers(ctx, req.RoomID)
	if err != nil {
		return nil, Tally{}, err
	}
	votes, err := e.Repo.ListVotes(ctx, req.ID)
	if err != nil {
		return nil, Tally{}, err
	}
	_, tally := Resolve(votes, members)
	return votes, tally, nil
}

func hasMember(members []domain.Member, id string) bool {
	for _, m := range members {
		if m.MemberID == id {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
