package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"facilitator/internal/domain"
	"facilitator/internal/engine"
	"facilitator/internal/intent"
)

var (
	// noDissent phrases contain "no" or "not" but leave approval intact.
	noDissentPattern = regexp.MustCompile(`\bno (objections?|concerns?|worries|issues?|problems?|complaints?|blockers?|notes|comments|further changes|changes?)( (needed|required|from me|here))?\b|\bnothing to (change|add)\b|\bnot a problem\b`)
	rejectPattern    = regexp.MustCompile(`\b(reject(ed|ing)?|request(ing|ed)? changes?|changes? (please|needed|requested|required)|needs? (more )?(work|changes?)|disagree|not yet|not (ok|okay|good|ready|approved?)|do ?n'?t (approve|agree|like)|(can ?not|can'?t) approve|nope)\b|^no\b|\x{1F44E}|^-1$`)
	approvePattern   = regexp.MustCompile(`\b(approved?|approving|lgtm|yes|yep|yeah|agreed?|looks good|ship it|go ahead|sounds good)\b|\x{1F44D}|\x{2705}|^\+1$`)
)

// voteChoice reads a chat message as a vote. Explicit dissent wins so "I
// don't approve" is not an approval; edit-style feedback only counts when
// nothing in the message approves.
func voteChoice(body string, label intent.Label) (domain.VoteChoice, bool) {
	s := strings.TrimSpace(noDissentPattern.ReplaceAllString(intent.Normalize(body), ""))
	switch {
	case rejectPattern.MatchString(s):
		return domain.VoteRequestChange, true
	case approvePattern.MatchString(s):
		return domain.VoteApprove, true
	case label == intent.GateFeedback:
		return domain.VoteRequestChange, true
	}
	return "", false
}

func (d *Dispatcher) voteFromMessage(ctx context.Context, t *turn, req domain.ApprovalRequest, tally engine.Tally) error {
	t.requestID = req.ID
	choice, ok := voteChoice(t.msg.Body, t.label)
	if !ok {
		if t.label == intent.SmallTalk {
			t.reply(intent.SmallTalkReply(t.msg.Body, true, t.session.State))
		} else {
			t.say("The %s is waiting for votes (%s). Reply \"approve\" or \"request changes\" with what you'd change.", gateName(req.Type), tally)
		}
		return nil
	}
	comment := ""
	if choice == domain.VoteRequestChange {
		comment = t.msg.Body
	}
	_, err := d.castVote(ctx, t, req, t.msg.MemberID, choice, comment)
	if errors.Is(err, engine.ErrNotMember) {
		return nil
	}
	return err
}

// castVote records the vote and, when it resolves the gate, continues the
// chain from the gate's successor state. Rejected votes still leave a reply
// on the turn.
func (d *Dispatcher) castVote(ctx context.Context, t *turn, req domain.ApprovalRequest, voterID string, choice domain.VoteChoice, comment string) (engine.VoteOutcome, error) {
	out, err := d.Engine.Vote(ctx, req.ID, voterID, choice, comment)
	switch {
	case errors.Is(err, engine.ErrNotMember):
		t.say("Only members of this room can vote on the %s.", gateName(req.Type))
		return out, err
	case errors.Is(err, engine.ErrAlreadyResolved):
		t.say("That %s was already %s.", gateName(req.Type), out.Status)
		return out, err
	case err != nil:
		return out, err
	}
	if !out.Resolved {
		t.say("Vote recorded: %s.", out.Tally)
		return out, nil
	}
	t.session = *out.Session
	t.members = nil
	if out.Status == domain.GateApproved {
		t.say("Everyone approved the %s.", gateName(req.Type))
	} else {
		note := comment
		if note == "" {
			note = "changes requested"
		}
		t.say("%s asked for changes to the %s: %q. Revising.", voterID, gateName(req.Type), note)
	}
	t.fresh = true
	t.label = ""
	if err := d.run(ctx, t); err != nil {
		return out, err
	}
	return out, nil
}

func gateName(typ domain.GateType) string {
	if typ == domain.GateTaskPlan {
		return "task plan"
	}
	return "milestone draft"
}
