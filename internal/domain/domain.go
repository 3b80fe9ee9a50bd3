package domain

// State is a phase of a room's planning week.
type State string

const (
	StateIdle            State = "IDLE"
	StateWeeklyKickoff   State = "WEEKLY_KICKOFF"
	StateSkeletonDraft   State = "SKELETON_DRAFT"
	StateSkeletonQA      State = "SKELETON_QA"
	StateApprovalGate1   State = "APPROVAL_GATE_1"
	StatePlanningMeeting State = "PLANNING_MEETING"
	StateTaskProposals   State = "TASK_PROPOSALS"
	StateApprovalGate2   State = "APPROVAL_GATE_2"
	StateTrelloPublish   State = "TRELLO_PUBLISH"
	StateMonitor         State = "MONITOR"
	StateWeeklyReview    State = "WEEKLY_REVIEW"
)

// States lists every state in workflow order.
var States = []State{
	StateIdle, StateWeeklyKickoff, StateSkeletonDraft, StateSkeletonQA, StateApprovalGate1,
	StatePlanningMeeting, StateTaskProposals, StateApprovalGate2, StateTrelloPublish,
	StateMonitor, StateWeeklyReview,
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

type GateType string

const (
	GateSkeleton GateType = "SKELETON"
	GateTaskPlan GateType = "TASK_PLAN"
)

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

type VoteChoice string

const (
	VoteApprove       VoteChoice = "approve"
	VoteRequestChange VoteChoice = "request_change"
)

func (v VoteChoice) Valid() bool {
	return v == VoteApprove || v == VoteRequestChange
}

type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	RoomID         string `json:"room_id"`
	MemberID       string `json:"member_id"`
	DisplayName    string `json:"display_name"`
	BoardAccountID string `json:"board_account_id,omitempty"`
	Position       int    `json:"position"`
}

// Name returns the display name, falling back to the member id.
func (m Member) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.MemberID
}

type Message struct {
	ID       int64  `json:"id"`
	RoomID   string `json:"room_id"`
	MemberID string `json:"member_id"`
	Body     string `json:"body"`
	TS       string `json:"ts" format:"date-time"`
}

type Session struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"room_id"`
	WeekNumber int         `json:"week_number"`
	State      State       `json:"state"`
	Data       SessionData `json:"data"`
	Version    int         `json:"version"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
	UpdatedAt  string      `json:"updated_at" format:"date-time"`
}

type ApprovalRequest struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	RoomID        string     `json:"room_id"`
	Type          GateType   `json:"type" enum:"SKELETON,TASK_PLAN"`
	Payload       string     `json:"payload_json"`
	PayloadDigest string     `json:"payload_digest"`
	Status        GateStatus `json:"status" enum:"pending,approved,rejected"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
	ResolvedAt    *string    `json:"resolved_at,omitempty" format:"date-time"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
}

type Vote struct {
	RequestID string     `json:"request_id"`
	VoterID   string     `json:"voter_id"`
	Vote      VoteChoice `json:"vote" enum:"approve,request_change"`
	Comment   string     `json:"comment,omitempty"`
	TS        string     `json:"ts" format:"date-time"`
}

// TaskProposal is a normalized task awaiting approval and publication.
// Dependencies reference other proposals in the same batch by title.
type TaskProposal struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Owner              *string  `json:"owner,omitempty"`
	DueDate            *string  `json:"dueDate,omitempty"`
	Effort             *string  `json:"effort,omitempty" enum:"S,M,L"`
}

type Milestone struct {
	Title     string `json:"title"`
	Reasoning string `json:"reasoning,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RoomID     string `json:"room_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a service caller. RoomID, when set, scopes the key
// to one room.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}
