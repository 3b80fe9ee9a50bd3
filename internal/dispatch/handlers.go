package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facilitator/internal/board"
	"facilitator/internal/domain"
	"facilitator/internal/events"
	"facilitator/internal/intent"
	"facilitator/internal/parse"
	"facilitator/internal/prompt"
)

// maxQuestions stops the milestone Q&A even if the generator keeps asking.
const maxQuestions = 5

const defaultMilestone = "Plan this week's work"

func (d *Dispatcher) idle(ctx context.Context, t *turn) (step, error) {
	start := func(data *domain.SessionData) { data.StartCycle() }
	if err := d.advance(ctx, t, domain.StateWeeklyKickoff, start, "new cycle"); err != nil {
		return stop, err
	}
	return chain, nil
}

func (d *Dispatcher) kickoff(ctx context.Context, t *turn) (step, error) {
	pc, err := d.promptContext(ctx, t)
	if err != nil {
		return stop, err
	}
	fallback := fmt.Sprintf("Welcome to week %d planning!", t.session.WeekNumber)
	if pc.PriorReview != "" {
		fallback += " Last week's review: " + truncate(pc.PriorReview, 200)
	}
	fallback += " Let's start by agreeing on this week's milestones."
	p, err := d.Prompts.Build(prompt.Kickoff, pc)
	if err != nil {
		return stop, err
	}
	welcome := strings.TrimSpace(d.generate(ctx, t, "kickoff", p, fallback))
	err = d.advance(ctx, t, domain.StateSkeletonDraft, func(data *domain.SessionData) {
		if data.Kickoff == nil {
			data.Kickoff = &domain.KickoffData{}
		}
		data.Kickoff.Welcome = welcome
	}, "")
	if err != nil {
		return stop, err
	}
	t.reply(welcome)
	return chain, nil
}

func (d *Dispatcher) skeletonDraft(ctx context.Context, t *turn) (step, error) {
	pc, err := d.promptContext(ctx, t)
	if err != nil {
		return stop, err
	}
	var previous []domain.Milestone
	if sk := t.session.Data.Skeleton; sk != nil {
		pc.Feedback = sk.Feedback
		pc.Milestones = sk.Milestones
		previous = sk.Milestones
	}
	p, err := d.Prompts.Build(prompt.Skeleton, pc)
	if err != nil {
		return stop, err
	}
	ladder := parse.Ladder[[]domain.Milestone]{
		Parse:  parse.Milestones,
		Repair: func(raw string) string { return d.Prompts.RepairPrompt(prompt.MilestoneShape, raw) },
		Fallback: func() []domain.Milestone {
			if len(previous) > 0 {
				return previous
			}
			return []domain.Milestone{{Title: fallbackMilestone(t)}}
		},
	}
	out := ladder.Run(ctx, d.ladderGen(t, "skeleton"), p)
	err = d.advance(ctx, t, domain.StateSkeletonQA, func(data *domain.SessionData) {
		if data.Skeleton == nil {
			data.Skeleton = &domain.SkeletonData{}
		}
		data.Skeleton.Milestones = out.Value
		data.Skeleton.Revision++
		data.QA = &domain.QAData{Answers: map[string]string{}}
	}, string(out.Tier))
	if err != nil {
		return stop, err
	}
	t.say("Here's a first draft of this week's milestones:\n%s", formatMilestones(out.Value))
	return chain, nil
}

func fallbackMilestone(t *turn) string {
	body := strings.TrimSpace(t.msg.Body)
	if body == "" || t.label == intent.KickoffRequest || t.label == intent.SmallTalk {
		return defaultMilestone
	}
	return truncate(body, 200)
}

func (d *Dispatcher) skeletonQA(ctx context.Context, t *turn) (step, error) {
	qa := t.session.Data.QA
	if qa == nil {
		qa = &domain.QAData{Answers: map[string]string{}}
	}
	if !t.fresh {
		if t.label == intent.GateFeedback {
			return d.reviseSkeleton(ctx, t)
		}
		if qa.Pending != "" {
			question, answer := qa.Pending, strings.TrimSpace(t.msg.Body)
			if err := d.patch(ctx, t, func(data *domain.SessionData) {
				if data.QA == nil {
					data.QA = &domain.QAData{}
				}
				if data.QA.Answers == nil {
					data.QA.Answers = map[string]string{}
				}
				data.QA.Answers[question] = answer
				data.QA.Pending = ""
			}); err != nil {
				return stop, err
			}
			qa = t.session.Data.QA
		}
	}

	pc, err := d.promptContext(ctx, t)
	if err != nil {
		return stop, err
	}
	if sk := t.session.Data.Skeleton; sk != nil {
		pc.Milestones = sk.Milestones
	}
	for _, q := range qa.Asked {
		pc.QA = append(pc.QA, prompt.QAPair{Question: q, Answer: qa.Answers[q]})
	}
	p, err := d.Prompts.Build(prompt.QA, pc)
	if err != nil {
		return stop, err
	}
	ladder := parse.Ladder[parse.QAStep]{
		Parse:    parse.Question,
		Repair:   func(raw string) string { return d.Prompts.RepairPrompt(prompt.QuestionShape, raw) },
		Fallback: func() parse.QAStep { return parse.QAStep{Done: true} },
	}
	next := ladder.Run(ctx, d.ladderGen(t, "qa"), p).Value
	if next.Done || len(qa.Asked) >= maxQuestions || contains(qa.Asked, next.Question) {
		return d.openSkeletonGate(ctx, t)
	}
	if err := d.patch(ctx, t, func(data *domain.SessionData) {
		if data.QA == nil {
			data.QA = &domain.QAData{Answers: map[string]string{}}
		}
		data.QA.Asked = append(data.QA.Asked, next.Question)
		data.QA.Pending = next.Question
	}); err != nil {
		return stop, err
	}
	t.reply(next.Question)
	return stop, nil
}

func (d *Dispatcher) reviseSkeleton(ctx context.Context, t *turn) (step, error) {
	var current []domain.Milestone
	if sk := t.session.Data.Skeleton; sk != nil {
		current = sk.Milestones
	}
	p, err := d.Prompts.Build(prompt.SkeletonRevise, prompt.Context{Room: t.room.Name, Milestones: current, Message: t.msg.Body})
	if err != nil {
		return stop, err
	}
	ladder := parse.Ladder[[]domain.Milestone]{
		Parse:    parse.Milestones,
		Repair:   func(raw string) string { return d.Prompts.RepairPrompt(prompt.MilestoneShape, raw) },
		Fallback: func() []domain.Milestone { return current },
	}
	out := ladder.Run(ctx, d.ladderGen(t, "skeleton_revise"), p)
	if out.Tier == parse.TierFallback {
		t.say("I couldn't apply that edit right now, so the milestones are unchanged:\n%s", formatMilestones(current))
		return stop, nil
	}
	if err := d.patch(ctx, t, func(data *domain.SessionData) {
		if data.Skeleton == nil {
			data.Skeleton = &domain.SkeletonData{}
		}
		data.Skeleton.Milestones = out.Value
		data.Skeleton.Revision++
	}); err != nil {
		return stop, err
	}
	t.say("Updated the milestones:\n%s", formatMilestones(out.Value))
	if qa := t.session.Data.QA; qa != nil && qa.Pending != "" {
		t.reply(qa.Pending)
	}
	return stop, nil
}

func (d *Dispatcher) openSkeletonGate(ctx context.Context, t *turn) (step, error) {
	var milestones []domain.Milestone
	if sk := t.session.Data.Skeleton; sk != nil {
		milestones = sk.Milestones
	}
	payload := map[string]any{"milestones": milestones}
	err := d.openGate(ctx, t, domain.GateSkeleton, payload, func(data *domain.SessionData) {
		if data.QA != nil {
			data.QA.Pending = ""
		}
	})
	if err != nil {
		return stop, err
	}
	members, err := d.roster(ctx, t)
	if err != nil {
		return stop, err
	}
	t.say("Milestones for week %d:\n%s\n\nEveryone please reply \"approve\" or \"request changes\" (0/%d approved).",
		t.session.WeekNumber, formatMilestones(milestones), len(members))
	return stop, nil
}

// gateWaiting runs only when a gate state has no pending request, which
// the gate itself never leaves behind.
func (d *Dispatcher) gateWaiting(ctx context.Context, t *turn) (step, error) {
	t.reply(intent.NextActionHint(t.session.State))
	return stop, nil
}

func (d *Dispatcher) planningMeeting(ctx context.Context, t *turn) (step, error) {
	members, err := d.roster(ctx, t)
	if err != nil {
		return stop, err
	}
	names := memberNames(members)
	if t.session.Data.Meeting == nil {
		order := make([]string, 0, len(members))
		for _, m := range members {
			order = append(order, m.MemberID)
		}
		if err := d.patch(ctx, t, func(data *domain.SessionData) {
			data.Meeting = &domain.MeetingData{Order: order, Contributions: map[string]string{}}
		}); err != nil {
			return stop, err
		}
	}
	meeting := t.session.Data.Meeting

	if !t.fresh && !t.trigger {
		sender := t.msg.MemberID
		if !contains(meeting.Order, sender) {
			t.say("%s, this round is for the members who were in the room when the meeting started.", nameOf(names, sender))
			return stop, nil
		}
		text := strings.TrimSpace(t.msg.Body)
		if err := d.patch(ctx, t, func(data *domain.SessionData) {
			if data.Meeting.Contributions == nil {
				data.Meeting.Contributions = map[string]string{}
			}
			data.Meeting.Contributions[sender] = text
		}); err != nil {
			return stop, err
		}
		meeting = t.session.Data.Meeting
		t.say("Thanks, %s.", nameOf(names, sender))
	}

	next, pending := meeting.NextPending()
	if !pending {
		if err := d.advance(ctx, t, domain.StateTaskProposals, nil, "all members contributed"); err != nil {
			return stop, err
		}
		return chain, nil
	}
	if len(meeting.Contributions) == 0 {
		t.say("Planning meeting: each of you please share what you'll work on this week. %s, you're first.", nameOf(names, next))
	} else {
		t.say("%s, what will you work on this week?", nameOf(names, next))
	}
	return stop, nil
}

func (d *Dispatcher) taskProposals(ctx context.Context, t *turn) (step, error) {
	pc, err := d.promptContext(ctx, t)
	if err != nil {
		return stop, err
	}
	names := memberNames(t.members)
	if sk := t.session.Data.Skeleton; sk != nil {
		pc.Milestones = sk.Milestones
	}
	if pr := t.session.Data.Proposals; pr != nil {
		pc.Feedback = pr.Feedback
	}
	if mt := t.session.Data.Meeting; mt != nil {
		for _, id := range mt.Order {
			if text, ok := mt.Contributions[id]; ok {
				pc.Contributions = append(pc.Contributions, prompt.Contribution{MemberID: id, Name: nameOf(names, id), Text: text})
			}
		}
	}
	p, err := d.Prompts.Build(prompt.Normalize, pc)
	if err != nil {
		return stop, err
	}
	ladder := parse.Ladder[[]domain.TaskProposal]{
		Parse:  parse.TaskList,
		Repair: func(raw string) string { return d.Prompts.RepairPrompt(prompt.TaskListShape, raw) },
	}
	out := ladder.Run(ctx, d.ladderGen(t, "tasks"), p)
	if out.Tier == parse.TierFallback {
		summary := contributionSummary(pc.Contributions)
		if err := d.patch(ctx, t, func(data *domain.SessionData) {
			if data.Proposals == nil {
				data.Proposals = &domain.ProposalData{}
			}
			data.Proposals.Summary = summary
			data.Proposals.Attempts++
		}); err != nil {
			return stop, err
		}
		t.say("I had trouble formatting the task list, so here's a summary of what everyone shared instead:\n%s\n\nSend another message when you'd like me to try again.", summary)
		return stop, nil
	}

	members, err := d.roster(ctx, t)
	if err != nil {
		return stop, err
	}
	tasks := d.Assign.Suggest(ctx, t.room.Name, out.Value, members)
	err = d.openGate(ctx, t, domain.GateTaskPlan, map[string]any{"tasks": tasks}, func(data *domain.SessionData) {
		if data.Proposals == nil {
			data.Proposals = &domain.ProposalData{}
		}
		data.Proposals.Tasks = tasks
		data.Proposals.Summary = ""
		data.Proposals.Attempts++
	})
	if err != nil {
		return stop, err
	}
	t.say("Proposed tasks:\n%s\n\nEveryone please reply \"approve\" or \"request changes\" (0/%d approved).", formatTasks(tasks, names), len(members))
	return stop, nil
}

func (d *Dispatcher) trelloPublish(ctx context.Context, t *turn) (step, error) {
	if ids := t.session.Data.PublishedIDs(); len(ids) > 0 {
		d.audit(ctx, t, events.PublishSkipped, events.EventPayload{"reason": "already_published", "card_count": len(ids)})
		if err := d.advance(ctx, t, domain.StateMonitor, nil, "already published"); err != nil {
			return stop, err
		}
		t.say("This week's cards were already published (%d), so nothing new was created.", len(ids))
		return stop, nil
	}
	now := d.Now().UTC().Format(time.RFC3339)
	if d.Board == nil {
		t.mock = true
		d.audit(ctx, t, events.PublishSkipped, events.EventPayload{"reason": "board_not_configured"})
		err := d.advance(ctx, t, domain.StateMonitor, func(data *domain.SessionData) {
			data.Publish = &domain.PublishData{PublishedCardIDs: []string{}, Mock: true, PublishedAt: now}
		}, "board not configured")
		if err != nil {
			return stop, err
		}
		t.reply("No task board is configured, so nothing was published. The approved plan is saved here.")
		return stop, nil
	}

	var tasks []domain.TaskProposal
	if pr := t.session.Data.Proposals; pr != nil {
		tasks = pr.Tasks
	}
	members, err := d.roster(ctx, t)
	if err != nil {
		return stop, err
	}
	approvedAt := d.approvedAt(ctx, t)
	rep := d.Publisher.Publish(ctx, tasks, members, approvedAt, func(c domain.PublishedCard) error {
		return d.patch(ctx, t, func(data *domain.SessionData) {
			if data.Publish == nil {
				data.Publish = &domain.PublishData{}
			}
			data.Publish.Record(c)
		})
	})
	d.audit(ctx, t, events.CardsPublished, events.EventPayload{"published": len(rep.Cards), "total": rep.Total, "card_ids": rep.IDs()})
	if len(rep.Failures) > 0 {
		d.audit(ctx, t, events.PublishFailed, events.EventPayload{"failures": rep.Failures})
	}
	err = d.advance(ctx, t, domain.StateMonitor, func(data *domain.SessionData) {
		if data.Publish == nil {
			data.Publish = &domain.PublishData{}
		}
		if data.Publish.PublishedCardIDs == nil {
			data.Publish.PublishedCardIDs = []string{}
		}
		// picks up cards whose per-card save failed
		data.Publish.Record(rep.Cards...)
		data.Publish.Failures = rep.Failures
		data.Publish.PublishedAt = now
	}, rep.Summary())
	if err != nil {
		return stop, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s to the board.", rep.Summary())
	for _, f := range rep.Failures {
		fmt.Fprintf(&b, "\n- %s failed (%s)", f.Title, f.Kind)
	}
	t.reply(b.String())
	return stop, nil
}

func (d *Dispatcher) approvedAt(ctx context.Context, t *turn) string {
	reqs, err := d.Repo.ListApprovals(ctx, t.session.ID)
	if err != nil {
		d.Logger.Warn("list approvals", zap.Error(err))
		return ""
	}
	var at string
	for _, r := range reqs {
		if r.Type == domain.GateTaskPlan && r.Status == domain.GateApproved && r.ResolvedAt != nil {
			at = *r.ResolvedAt
		}
	}
	return at
}

func (d *Dispatcher) monitor(ctx context.Context, t *turn) (step, error) {
	if t.trigger || (!t.fresh && intent.WantsReview(t.msg.Body)) {
		if err := d.advance(ctx, t, domain.StateWeeklyReview, nil, "review requested"); err != nil {
			return stop, err
		}
		return chain, nil
	}
	if d.Board == nil {
		t.say("No task board is configured, so there are no cards to check. %s", intent.NextActionHint(domain.StateMonitor))
		return stop, nil
	}
	cards, err := d.Board.ListCards(ctx)
	if err != nil {
		kind, _ := board.Sanitize(err)
		d.Logger.Warn("list cards", zap.String("kind", string(kind)), zap.Error(err))
		t.say("I couldn't reach the task board (%s). I'll check again later.", kind)
		return stop, nil
	}
	_, stalled := d.classifyCards(t, cards)
	if len(stalled) == 0 {
		t.say("All clear: every card moved in the last %d days.", d.StallDays)
		return stop, nil
	}
	t.say("These cards haven't moved in %d days or more:\n- %s", d.StallDays, strings.Join(stalled, "\n- "))
	return stop, nil
}

// classifyCards splits this week's cards into completed and stalled
// titles. Without published ids every board card counts.
func (d *Dispatcher) classifyCards(t *turn, cards []board.Card) (completed, stalled []string) {
	ids := map[string]bool{}
	for _, id := range t.session.Data.PublishedIDs() {
		ids[id] = true
	}
	cutoff := d.Now().Add(-time.Duration(d.StallDays) * 24 * time.Hour)
	for _, c := range cards {
		if len(ids) > 0 && !ids[c.ID] {
			continue
		}
		switch {
		case c.Status == board.StatusDone:
			completed = append(completed, c.Title)
		case !c.LastActivity.IsZero() && !c.LastActivity.After(cutoff):
			stalled = append(stalled, c.Title)
		}
	}
	sort.Strings(completed)
	sort.Strings(stalled)
	return completed, stalled
}

func (d *Dispatcher) weeklyReview(ctx context.Context, t *turn) (step, error) {
	var (
		pc     prompt.Context
		cards  []board.Card
		cardOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pc, err = d.promptContext(gctx, t)
		return err
	})
	if d.Board != nil {
		g.Go(func() error {
			list, err := d.Board.ListCards(gctx)
			if err != nil {
				kind, _ := board.Sanitize(err)
				d.Logger.Warn("list cards for review", zap.String("kind", string(kind)), zap.Error(err))
				return nil
			}
			cards, cardOK = list, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stop, err
	}
	var completed, stalled []string
	if cardOK {
		completed, stalled = d.classifyCards(t, cards)
	}
	if pub := t.session.Data.Publish; pub != nil {
		for _, c := range pub.Cards {
			pc.Published = append(pc.Published, c.Title)
		}
	}
	pc.Completed, pc.Stalled = completed, stalled
	fallback := fmt.Sprintf("Week %d review: %d card(s) published, %d completed, %d stalled.",
		t.session.WeekNumber, len(pc.Published), len(completed), len(stalled))
	if len(stalled) > 0 {
		fallback += " Pick up the stalled cards first next week: " + strings.Join(stalled, ", ") + "."
	}
	p, err := d.Prompts.Build(prompt.Review, pc)
	if err != nil {
		return stop, err
	}
	summary := strings.TrimSpace(d.generate(ctx, t, "review", p, fallback))
	err = d.advance(ctx, t, domain.StateIdle, func(data *domain.SessionData) {
		data.Review = &domain.ReviewData{Summary: summary, Completed: completed, Stalled: stalled}
	}, "week closed")
	if err != nil {
		return stop, err
	}
	t.reply(summary)
	return stop, nil
}

func (d *Dispatcher) audit(ctx context.Context, t *turn, typ string, payload events.EventPayload) {
	actor := t.msg.MemberID
	if actor == "" {
		actor = "system"
	}
	err := d.Engine.Events.AppendStandalone(ctx, events.Entry{
		Type: typ, RoomID: t.room.ID, SessionID: t.session.ID,
		EntityKind: "session", EntityID: t.session.ID, ActorID: actor, Payload: payload,
	})
	if err != nil {
		d.Logger.Warn("append audit event", zap.String("type", typ), zap.Error(err))
	}
}

func formatMilestones(ms []domain.Milestone) string {
	var b strings.Builder
	for i, m := range ms {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, m.Title)
		if m.Reasoning != "" {
			fmt.Fprintf(&b, ": %s", m.Reasoning)
		}
	}
	return b.String()
}

func formatTasks(tasks []domain.TaskProposal, names map[string]string) string {
	var b strings.Builder
	for i, task := range tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, task.Title)
		var meta []string
		if task.Owner != nil {
			meta = append(meta, nameOf(names, *task.Owner))
		}
		if task.Effort != nil {
			meta = append(meta, "effort "+*task.Effort)
		}
		if task.DueDate != nil {
			meta = append(meta, "due "+*task.DueDate)
		}
		if len(meta) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
		}
	}
	return b.String()
}

func contributionSummary(cs []prompt.Contribution) string {
	if len(cs) == 0 {
		return "- (no contributions recorded)"
	}
	lines := make([]string, 0, len(cs))
	for _, c := range cs {
		lines = append(lines, fmt.Sprintf("- %s: %s", c.Name, c.Text))
	}
	return strings.Join(lines, "\n")
}

func memberNames(members []domain.Member) map[string]string {
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.MemberID] = m.Name()
	}
	return names
}

func nameOf(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
