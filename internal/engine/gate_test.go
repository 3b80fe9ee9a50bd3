package engine_test

import (
	"errors"
	"testing"

	"facilitator/internal/domain"
	"facilitator/internal/engine"
	"facilitator/internal/repo"
)

func (env testEnv) openSkeletonGate(t *testing.T) (domain.ApprovalRequest, domain.Session) {
	t.Helper()
	s := env.walk(t, env.session(t), domain.StateWeeklyKickoff, domain.StateSkeletonDraft, domain.StateSkeletonQA)
	req, s, err := env.Engine.OpenGate(env.Ctx, engine.OpenGateOptions{
		SessionID: s.ID,
		Version:   s.Version,
		Type:      domain.GateSkeleton,
		Payload:   []domain.Milestone{{Title: "Login works end to end"}},
		ActorID:   "facilitator",
	})
	if err != nil {
		t.Fatalf("open gate: %v", err)
	}
	return req, s
}

func TestOpenGateMovesSessionAndRejectsSecond(t *testing.T) {
	env := newTestEnv(t, "ana", "ben")
	req, s := env.openSkeletonGate(t)
	if s.State != domain.StateApprovalGate1 || req.Status != domain.GatePending {
		t.Fatalf("state=%s status=%s", s.State, req.Status)
	}
	if req.PayloadDigest == "" {
		t.Fatalf("missing payload digest")
	}
	_, _, err := env.Engine.OpenGate(env.Ctx, engine.OpenGateOptions{SessionID: s.ID, Type: domain.GateSkeleton, Payload: []string{"x"}})
	if !errors.Is(err, engine.ErrGateOpen) {
		t.Fatalf("expected ErrGateOpen, got %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{SessionID: s.ID, Target: domain.StatePlanningMeeting}); !errors.Is(err, engine.ErrGateOpen) {
		t.Fatalf("advance past open gate: %v", err)
	}
}

func TestUnanimousApprovalAdvances(t *testing.T) {
	env := newTestEnv(t, "ana", "ben")
	req, _ := env.openSkeletonGate(t)

	out, err := env.Engine.Vote(env.Ctx, req.ID, "ana", domain.VoteApprove, "")
	if err != nil {
		t.Fatalf("vote ana: %v", err)
	}
	if out.Resolved || out.Tally.String() != "1/2 approved" {
		t.Fatalf("after one vote: resolved=%v tally=%s", out.Resolved, out.Tally)
	}
	out, err = env.Engine.Vote(env.Ctx, req.ID, "ben", domain.VoteApprove, "lgtm")
	if err != nil {
		t.Fatalf("vote ben: %v", err)
	}
	if !out.Resolved || out.Status != domain.GateApproved {
		t.Fatalf("expected approval, got %+v", out)
	}
	if out.Session == nil || out.Session.State != domain.StatePlanningMeeting {
		t.Fatalf("session not advanced: %+v", out.Session)
	}
	if _, err := env.Engine.Vote(env.Ctx, req.ID, "ana", domain.VoteRequestChange, "late"); !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("vote after resolution: %v", err)
	}
}

func TestSingleDissentRejectsAndReverts(t *testing.T) {
	env := newTestEnv(t, "ana", "ben", "cy")
	req, _ := env.openSkeletonGate(t)
	if _, err := env.Engine.Vote(env.Ctx, req.ID, "ana", domain.VoteApprove, ""); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.Vote(env.Ctx, req.ID, "ben", domain.VoteRequestChange, "drop milestone 2")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if !out.Resolved || out.Status != domain.GateRejected {
		t.Fatalf("expected rejection, got %+v", out)
	}
	s := out.Session
	if s.State != domain.StateSkeletonDraft {
		t.Fatalf("state = %s", s.State)
	}
	if s.Data.Skeleton == nil || len(s.Data.Skeleton.Feedback) != 1 || s.Data.Skeleton.Feedback[0] != "ben: drop milestone 2" {
		t.Fatalf("feedback = %+v", s.Data.Skeleton)
	}
	if _, err := env.Engine.Repo.PendingApproval(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pending request left behind: %v", err)
	}
}

func TestRevoteOverwrites(t *testing.T) {
	env := newTestEnv(t, "ana", "ben")
	req, _ := env.openSkeletonGate(t)
	for _, c := range []domain.VoteChoice{domain.VoteApprove, domain.VoteApprove} {
		if _, err := env.Engine.Vote(env.Ctx, req.ID, "ana", c, ""); err != nil {
			t.Fatal(err)
		}
	}
	votes, err := env.Engine.Repo.ListVotes(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Fatalf("votes = %d, want 1", len(votes))
	}
}

func TestNonMemberCannotVote(t *testing.T) {
	env := newTestEnv(t, "ana")
	req, _ := env.openSkeletonGate(t)
	if _, err := env.Engine.Vote(env.Ctx, req.ID, "mallory", domain.VoteApprove, ""); !errors.Is(err, engine.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestTaskPlanRejectionReturnsToProposals(t *testing.T) {
	env := newTestEnv(t, "ana")
	req, s := env.openSkeletonGate(t)
	out, err := env.Engine.Vote(env.Ctx, req.ID, "ana", domain.VoteApprove, "")
	if err != nil || out.Session.State != domain.StatePlanningMeeting {
		t.Fatalf("gate 1: %v", err)
	}
	s = env.walk(t, *out.Session, domain.StateTaskProposals)
	req2, _, err := env.Engine.OpenGate(env.Ctx, engine.OpenGateOptions{
		SessionID: s.ID, Type: domain.GateTaskPlan,
		Payload: []domain.TaskProposal{{Title: "Set up CI", Description: "GitHub Actions"}},
	})
	if err != nil {
		t.Fatalf("open gate 2: %v", err)
	}
	out, err = env.Engine.Vote(env.Ctx, req2.ID, "ana", domain.VoteRequestChange, "split CI task")
	if err != nil {
		t.Fatal(err)
	}
	if out.Session.State != domain.StateTaskProposals || out.Session.Data.Proposals.Feedback[0] != "ana: split CI task" {
		t.Fatalf("unexpected session after rejection: %+v", out.Session)
	}
}

func TestResolveIgnoresFormerMembers(t *testing.T) {
	members := []domain.Member{{MemberID: "ana"}}
	votes := []domain.Vote{
		{VoterID: "ana", Vote: domain.VoteApprove},
		{VoterID: "left-the-team", Vote: domain.VoteRequestChange},
	}
	status, tally := engine.Resolve(votes, members)
	if status != domain.GateApproved || tally.Approved != 1 || tally.Total != 1 {
		t.Fatalf("status=%s tally=%+v", status, tally)
	}
	if status, _ := engine.Resolve(nil, nil); status != domain.GatePending {
		t.Fatalf("empty roster should stay pending, got %s", status)
	}
}

func TestPayloadDigestIsCanonical(t *testing.T) {
	a, err := engine.PayloadDigest([]byte(`{"b":1,"a":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.PayloadDigest([]byte(`{ "a": [1, 2], "b": 1 }`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("digests differ: %s vs %s", a, b)
	}
}
