// Package dispatch routes room messages and votes to the phase handlers of
// the weekly planning workflow.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"facilitator/internal/assign"
	"facilitator/internal/board"
	"facilitator/internal/domain"
	"facilitator/internal/engine"
	"facilitator/internal/events"
	"facilitator/internal/generate"
	"facilitator/internal/intent"
	"facilitator/internal/lock"
	"facilitator/internal/prompt"
	"facilitator/internal/publish"
	"facilitator/internal/repo"
)

var tracer = otel.Tracer("facilitator/dispatch")

// ErrChainLimit means a single invocation advanced through more states than
// the configured cap.
var ErrChainLimit = errors.New("dispatch: phase chain limit reached")

// Generator produces text and never fails; see generate.Adapter.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) generate.Result
}

// Inbound is one chat message from a room member.
type Inbound struct {
	MemberID string
	// DisplayName is used when the sender is enrolled on first contact.
	DisplayName string
	Body        string
}

type Result struct {
	Reply             string       `json:"reply"`
	MockMode          bool         `json:"mock_mode"`
	State             domain.State `json:"state"`
	SessionID         string       `json:"session_id"`
	ApprovalRequestID string       `json:"approval_request_id,omitempty"`
}

type VoteResult struct {
	Resolved bool              `json:"resolved"`
	Status   domain.GateStatus `json:"status"`
	Tally    engine.Tally      `json:"tally"`
	Reply    string            `json:"reply"`
	MockMode bool              `json:"mock_mode"`
	State    domain.State      `json:"state"`
}

type step int

const (
	stop step = iota
	chain
)

type handler func(ctx context.Context, t *turn) (step, error)

// turn carries one invocation through the chain of handlers.
type turn struct {
	session domain.Session
	room    domain.Room
	members []domain.Member
	msg     Inbound
	label   intent.Label
	// fresh is set once the chain moved into the current state during this
	// invocation; the inbound message was meant for an earlier phase.
	fresh     bool
	trigger   bool
	replies   []string
	mock      bool
	requestID string
}

func (t *turn) say(format string, args ...any) {
	t.replies = append(t.replies, fmt.Sprintf(format, args...))
}

func (t *turn) reply(text string) {
	t.replies = append(t.replies, text)
}

func (t *turn) result() Result {
	return Result{
		Reply:             strings.Join(t.replies, "\n\n"),
		MockMode:          t.mock,
		State:             t.session.State,
		SessionID:         t.session.ID,
		ApprovalRequestID: t.requestID,
	}
}

type Dispatcher struct {
	Engine    engine.Engine
	Repo      repo.Repo
	Gen       Generator
	Prompts   *prompt.Builder
	Assign    assign.Suggester
	Publisher publish.Publisher
	// Board is nil when no task board is configured.
	Board  board.Board
	Locks  lock.Locker
	Logger *zap.Logger

	MaxChain       int
	RecentMessages int
	StallDays      int
	TermStart      time.Time
	AutoEnroll     bool
	Now            func() time.Time

	handlers map[domain.State]handler
}

// Init fills defaults and builds the handler table. It must run before the
// dispatcher is used.
func (d *Dispatcher) Init() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Locks == nil {
		d.Locks = lock.NewMemory()
	}
	if d.MaxChain <= 0 {
		d.MaxChain = 12
	}
	if d.StallDays <= 0 {
		d.StallDays = 7
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Publisher.Board = d.Board
	d.handlers = map[domain.State]handler{
		domain.StateIdle:            d.idle,
		domain.StateWeeklyKickoff:   d.kickoff,
		domain.StateSkeletonDraft:   d.skeletonDraft,
		domain.StateSkeletonQA:      d.skeletonQA,
		domain.StateApprovalGate1:   d.gateWaiting,
		domain.StatePlanningMeeting: d.planningMeeting,
		domain.StateTaskProposals:   d.taskProposals,
		domain.StateApprovalGate2:   d.gateWaiting,
		domain.StateTrelloPublish:   d.trelloPublish,
		domain.StateMonitor:         d.monitor,
		domain.StateWeeklyReview:    d.weeklyReview,
	}
}

// Dispatch records the message and runs it through the room's current
// week session.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID string, in Inbound) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("room", roomID))

	in.MemberID = strings.TrimSpace(in.MemberID)
	if in.MemberID == "" {
		return Result{}, errors.New("member id is required")
	}
	room, err := d.Repo.EnsureRoom(ctx, roomID, "")
	if err != nil {
		return Result{}, fmt.Errorf("ensure room: %w", err)
	}
	if err := d.enroll(ctx, roomID, in); err != nil {
		return Result{}, err
	}
	if _, err := d.Repo.InsertMessage(ctx, domain.Message{RoomID: roomID, MemberID: in.MemberID, Body: in.Body}); err != nil {
		return Result{}, fmt.Errorf("record message: %w", err)
	}
	t, release, err := d.begin(ctx, room, in.MemberID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	t.msg = in
	t.label = intent.Classify(in.Body)
	span.SetAttributes(attribute.String("state", string(t.session.State)), attribute.String("intent", string(t.label)))
	logger := d.Logger.With(zap.String("room", roomID), zap.String("session", t.session.ID))

	if req, tally, err := d.Engine.PendingFor(ctx, t.session.ID); err == nil {
		if err := d.voteFromMessage(ctx, t, req, tally); err != nil {
			return Result{}, err
		}
		return t.result(), nil
	} else if !errors.Is(err, engine.ErrNoPendingGate) {
		return Result{}, err
	}

	if t.label == intent.SmallTalk && t.session.State != domain.StateIdle {
		t.reply(intent.SmallTalkReply(in.Body, false, t.session.State))
		return t.result(), nil
	}
	if err := d.run(ctx, t); err != nil {
		logger.Error("dispatch failed", zap.String("state", string(t.session.State)), zap.Error(err))
		return Result{}, err
	}
	logger.Debug("dispatched", zap.String("state", string(t.session.State)), zap.Bool("mock", t.mock))
	return t.result(), nil
}

// Vote records a vote on an approval request. A resolving vote continues
// the workflow from the state the gate moved the session to.
func (d *Dispatcher) Vote(ctx context.Context, requestID, voterID string, choice domain.VoteChoice, comment string) (VoteResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Vote")
	defer span.End()
	req, err := d.Repo.GetApproval(ctx, requestID)
	if err != nil {
		return VoteResult{}, err
	}
	room, err := d.Repo.GetRoom(ctx, req.RoomID)
	if err != nil {
		return VoteResult{}, err
	}
	release, err := d.Locks.Lock(ctx, sessionKey(req.SessionID))
	if err != nil {
		return VoteResult{}, err
	}
	defer release()
	s, err := d.Repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return VoteResult{}, err
	}
	t := &turn{session: s, room: room, msg: Inbound{MemberID: voterID, Body: comment}}
	out, err := d.castVote(ctx, t, req, voterID, choice, comment)
	if err != nil {
		return VoteResult{}, err
	}
	return VoteResult{
		Resolved: out.Resolved,
		Status:   out.Status,
		Tally:    out.Tally,
		Reply:    strings.Join(t.replies, "\n\n"),
		MockMode: t.mock,
		State:    t.session.State,
	}, nil
}

// Trigger is the scheduler entry point. It starts the week from IDLE or
// closes it from MONITOR.
func (d *Dispatcher) Trigger(ctx context.Context, roomID string, target domain.State) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Trigger")
	defer span.End()
	span.SetAttributes(attribute.String("room", roomID), attribute.String("target", string(target)))
	room, err := d.Repo.EnsureRoom(ctx, roomID, "")
	if err != nil {
		return Result{}, err
	}
	t, release, err := d.begin(ctx, room, "scheduler")
	if err != nil {
		return Result{}, err
	}
	defer release()
	switch {
	case t.session.State == domain.StateIdle && target == domain.StateWeeklyKickoff:
	case t.session.State == domain.StateMonitor && target == domain.StateWeeklyReview:
	default:
		return Result{}, &engine.TransitionError{From: t.session.State, To: target}
	}
	t.trigger = true
	t.msg = Inbound{MemberID: "scheduler"}
	if err := d.run(ctx, t); err != nil {
		return Result{}, err
	}
	return t.result(), nil
}

// begin resolves the current week session and locks it. The session is
// re-read under the lock.
func (d *Dispatcher) begin(ctx context.Context, room domain.Room, actorID string) (*turn, func(), error) {
	week := engine.WeekNumber(d.Now(), d.TermStart)
	s, _, err := d.Engine.EnsureSession(ctx, room.ID, week, actorID)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure session: %w", err)
	}
	release, err := d.Locks.Lock(ctx, sessionKey(s.ID))
	if err != nil {
		return nil, nil, err
	}
	s, err = d.Repo.GetSession(ctx, s.ID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return &turn{session: s, room: room}, release, nil
}

func (d *Dispatcher) enroll(ctx context.Context, roomID string, in Inbound) error {
	if !d.AutoEnroll {
		return nil
	}
	if _, err := d.Repo.GetMember(ctx, roomID, in.MemberID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name = in.MemberID
	}
	_, err := d.Repo.UpsertMember(ctx, domain.Member{RoomID: roomID, MemberID: in.MemberID, DisplayName: name})
	return err
}

// run drives handlers while they ask to chain into the next state.
func (d *Dispatcher) run(ctx context.Context, t *turn) error {
	for i := 0; ; i++ {
		if i >= d.MaxChain {
			return fmt.Errorf("%w after %d steps in %s", ErrChainLimit, i, t.session.State)
		}
		h, ok := d.handlers[t.session.State]
		if !ok {
			return fmt.Errorf("no handler for state %s", t.session.State)
		}
		next, err := h(ctx, t)
		if err != nil {
			return err
		}
		if next == stop {
			return nil
		}
		t.fresh = true
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

func (d *Dispatcher) advance(ctx context.Context, t *turn, target domain.State, patch engine.Patch, reason string) error {
	s, err := d.Engine.Advance(ctx, engine.AdvanceOptions{
		SessionID: t.session.ID,
		Version:   t.session.Version,
		Target:    target,
		Patch:     patch,
		ActorID:   t.msg.MemberID,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	t.session = s
	return nil
}

func (d *Dispatcher) patch(ctx context.Context, t *turn, patch engine.Patch) error {
	s, err := d.Engine.PatchData(ctx, t.session.ID, t.session.Version, patch)
	if err != nil {
		return err
	}
	t.session = s
	return nil
}

func (d *Dispatcher) openGate(ctx context.Context, t *turn, typ domain.GateType, payload any, patch engine.Patch) error {
	req, s, err := d.Engine.OpenGate(ctx, engine.OpenGateOptions{
		SessionID: t.session.ID,
		Version:   t.session.Version,
		Type:      typ,
		Payload:   payload,
		Patch:     patch,
		ActorID:   t.msg.MemberID,
	})
	if err != nil {
		return err
	}
	t.session = s
	t.requestID = req.ID
	return nil
}

func (d *Dispatcher) roster(ctx context.Context, t *turn) ([]domain.Member, error) {
	if t.members != nil {
		return t.members, nil
	}
	members, err := d.Repo.ListMembers(ctx, t.room.ID)
	if err != nil {
		return nil, err
	}
	t.members = members
	return members, nil
}

// generate runs one generation call and notes degraded answers on the turn
// and in the audit log.
func (d *Dispatcher) generate(ctx context.Context, t *turn, purpose, p, fallback string) string {
	res := generate.Result{Text: fallback, MockMode: true, Failure: &generate.Failure{Kind: generate.KindMissingCredentials}}
	if d.Gen != nil {
		res = d.Gen.Generate(ctx, generate.Request{Purpose: purpose, Prompt: p, Fallback: fallback})
	}
	if res.MockMode {
		d.degraded(ctx, t, purpose, res.Failure)
	}
	return res.Text
}

// ladderGen adapts generate for parse.Ladder.
func (d *Dispatcher) ladderGen(t *turn, purpose string) func(ctx context.Context, p string) (string, bool) {
	return func(ctx context.Context, p string) (string, bool) {
		if d.Gen == nil {
			d.degraded(ctx, t, purpose, nil)
			return "", true
		}
		res := d.Gen.Generate(ctx, generate.Request{Purpose: purpose, Prompt: p})
		if res.MockMode {
			d.degraded(ctx, t, purpose, res.Failure)
		}
		return res.Text, res.MockMode
	}
}

func (d *Dispatcher) degraded(ctx context.Context, t *turn, purpose string, f *generate.Failure) {
	t.mock = true
	kind := string(generate.KindMissingCredentials)
	if f != nil {
		kind = string(f.Kind)
	}
	err := d.Engine.Events.AppendStandalone(ctx, events.Entry{
		Type: events.GenerationDegraded, RoomID: t.room.ID, SessionID: t.session.ID,
		EntityKind: "session", EntityID: t.session.ID, ActorID: "system",
		Payload: events.EventPayload{"purpose": purpose, "kind": kind, "state": t.session.State},
	})
	if err != nil {
		d.Logger.Warn("record degraded generation", zap.Error(err))
	}
}

func (d *Dispatcher) promptContext(ctx context.Context, t *turn) (prompt.Context, error) {
	members, err := d.roster(ctx, t)
	if err != nil {
		return prompt.Context{}, err
	}
	names := make(map[string]string, len(members))
	pc := prompt.Context{Room: t.room.Name, Week: t.session.WeekNumber, Message: t.msg.Body}
	for _, m := range members {
		names[m.MemberID] = m.Name()
		pc.Members = append(pc.Members, m.Name())
		pc.MemberRefs = append(pc.MemberRefs, prompt.MemberRef{ID: m.MemberID, Name: m.Name()})
	}
	msgs, err := d.Repo.RecentMessages(ctx, t.room.ID, d.RecentMessages)
	if err != nil {
		return prompt.Context{}, err
	}
	for _, m := range msgs {
		speaker := names[m.MemberID]
		if speaker == "" {
			speaker = m.MemberID
		}
		pc.Conversation = append(pc.Conversation, prompt.Line{Speaker: speaker, Text: m.Body})
	}
	if k := t.session.Data.Kickoff; k != nil {
		pc.PriorReview = k.PriorReview
	}
	return pc, nil
}
