package domain

// DataVersion is the current shape of SessionData.
const DataVersion = 1

// SessionData holds one section per phase. A section is nil until its phase
// first writes to it.
type SessionData struct {
	DataVersion int           `json:"data_version"`
	Kickoff     *KickoffData  `json:"kickoff,omitempty"`
	Skeleton    *SkeletonData `json:"skeleton,omitempty"`
	QA          *QAData       `json:"qa,omitempty"`
	Meeting     *MeetingData  `json:"meeting,omitempty"`
	Proposals   *ProposalData `json:"proposals,omitempty"`
	Publish     *PublishData  `json:"publish,omitempty"`
	Review      *ReviewData   `json:"review,omitempty"`
}

type KickoffData struct {
	PriorReview string `json:"prior_review,omitempty"`
	Welcome     string `json:"welcome,omitempty"`
}

type SkeletonData struct {
	Milestones []Milestone `json:"milestones"`
	Feedback   []string    `json:"feedback,omitempty"`
	Revision   int         `json:"revision"`
}

// QAData keys answers by question text.
type QAData struct {
	Asked   []string          `json:"asked"`
	Answers map[string]string `json:"answers"`
	Pending string            `json:"pending,omitempty"`
}

// Answered counts questions with a recorded answer.
func (q *QAData) Answered() int {
	if q == nil {
		return 0
	}
	return len(q.Answers)
}

type MeetingData struct {
	Order         []string          `json:"order"`
	Contributions map[string]string `json:"contributions"`
}

// NextPending returns the first member in order without a contribution.
func (m *MeetingData) NextPending() (string, bool) {
	if m == nil {
		return "", false
	}
	for _, id := range m.Order {
		if _, ok := m.Contributions[id]; !ok {
			return id, true
		}
	}
	return "", false
}

type ProposalData struct {
	Tasks    []TaskProposal `json:"tasks,omitempty"`
	Feedback []string       `json:"feedback,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Attempts int            `json:"attempts"`
}

type PublishedCard struct {
	Title  string `json:"title"`
	CardID string `json:"card_id"`
}

type PublishFailure struct {
	Title  string `json:"title"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type PublishData struct {
	PublishedCardIDs []string         `json:"published_card_ids"`
	Cards            []PublishedCard  `json:"cards,omitempty"`
	Failures         []PublishFailure `json:"failures,omitempty"`
	Mock             bool             `json:"mock"`
	PublishedAt      string           `json:"published_at,omitempty"`
}

type ReviewData struct {
	Summary   string   `json:"summary"`
	Completed []string `json:"completed,omitempty"`
	Stalled   []string `json:"stalled,omitempty"`
}

// Upgrade brings a stored document to DataVersion in place.
func (d *SessionData) Upgrade() {
	if d.DataVersion < 1 {
		// v0 documents were written before maps were initialised on creation
		if d.QA != nil && d.QA.Answers == nil {
			d.QA.Answers = map[string]string{}
		}
		if d.Meeting != nil && d.Meeting.Contributions == nil {
			d.Meeting.Contributions = map[string]string{}
		}
		d.DataVersion = 1
	}
}

// ReviewSummary returns the stored weekly review text, if any.
func (d SessionData) ReviewSummary() string {
	if d.Review == nil {
		return ""
	}
	return d.Review.Summary
}

// StartCycle clears the per-cycle sections before a planning cycle begins.
// A review already written for this session becomes the prior review, and
// the review itself stays so the following week still inherits it.
func (d *SessionData) StartCycle() {
	prior := d.ReviewSummary()
	if prior == "" && d.Kickoff != nil {
		prior = d.Kickoff.PriorReview
	}
	d.Kickoff = &KickoffData{PriorReview: prior}
	d.Skeleton = nil
	d.QA = nil
	d.Meeting = nil
	d.Proposals = nil
	d.Publish = nil
}

// Record adds created cards, skipping ids already recorded.
func (p *PublishData) Record(cards ...PublishedCard) {
	for _, c := range cards {
		seen := false
		for _, id := range p.PublishedCardIDs {
			if id == c.CardID {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		p.PublishedCardIDs = append(p.PublishedCardIDs, c.CardID)
		p.Cards = append(p.Cards, c)
	}
}

// PublishedIDs returns card ids already created for this session.
func (d SessionData) PublishedIDs() []string {
	if d.Publish == nil {
		return nil
	}
	return d.Publish.PublishedCardIDs
}
