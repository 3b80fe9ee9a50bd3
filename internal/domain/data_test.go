package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCycleClearsPhaseData(t *testing.T) {
	d := SessionData{
		Kickoff:   &KickoffData{PriorReview: "older", Welcome: "hi"},
		Skeleton:  &SkeletonData{Milestones: []Milestone{{Title: "m"}}},
		QA:        &QAData{Asked: []string{"q"}},
		Meeting:   &MeetingData{Order: []string{"ana"}, Contributions: map[string]string{"ana": "x"}},
		Proposals: &ProposalData{Tasks: []TaskProposal{{Title: "t"}}},
		Publish:   &PublishData{PublishedCardIDs: []string{"c-1"}},
		Review:    &ReviewData{Summary: "first pass done"},
	}
	d.StartCycle()

	require.NotNil(t, d.Kickoff)
	assert.Equal(t, "first pass done", d.Kickoff.PriorReview)
	assert.Empty(t, d.Kickoff.Welcome)
	assert.Nil(t, d.Skeleton)
	assert.Nil(t, d.QA)
	assert.Nil(t, d.Meeting)
	assert.Nil(t, d.Proposals)
	assert.Nil(t, d.Publish)
	assert.Empty(t, d.PublishedIDs())
	assert.Equal(t, "first pass done", d.ReviewSummary())
}

func TestStartCycleKeepsInheritedReview(t *testing.T) {
	d := SessionData{Kickoff: &KickoffData{PriorReview: "last week"}}
	d.StartCycle()
	assert.Equal(t, "last week", d.Kickoff.PriorReview)
}

func TestPublishRecordSkipsKnownIDs(t *testing.T) {
	p := &PublishData{}
	p.Record(PublishedCard{Title: "a", CardID: "c-1"})
	p.Record(PublishedCard{Title: "a", CardID: "c-1"}, PublishedCard{Title: "b", CardID: "c-2"})
	assert.Equal(t, []string{"c-1", "c-2"}, p.PublishedCardIDs)
	assert.Len(t, p.Cards, 2)
}
