package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facilitator/internal/board"
	"facilitator/internal/domain"
)

func str(s string) *string { return &s }

func roster() []domain.Member {
	return []domain.Member{
		{RoomID: "r", MemberID: "u1", DisplayName: "Ada", BoardAccountID: "acct-ada"},
		{RoomID: "r", MemberID: "u2", DisplayName: "Lin"},
	}
}

func tasks(titles ...string) []domain.TaskProposal {
	var out []domain.TaskProposal
	for _, t := range titles {
		out = append(out, domain.TaskProposal{Title: t, Description: t + " work"})
	}
	return out
}

func TestPublishPartialFailureKeepsSuccesses(t *testing.T) {
	b := board.NewMemory()
	b.FailOn["b"] = &board.Error{Kind: board.KindRateLimited, Status: 429, Message: "slow down"}
	b.FailOn["d"] = errors.New(`Post "https://api.trello.com/1/cards?key=abc&token=def": connection refused`)
	p := Publisher{Board: b, Metrics: NewMetrics(prometheus.NewRegistry())}

	var persisted []string
	rep := p.Publish(context.Background(), tasks("a", "b", "c", "d", "e"), roster(), "2026-10-05T10:00:00Z", func(c domain.PublishedCard) error {
		persisted = append(persisted, c.CardID)
		return nil
	})

	assert.Equal(t, "3/5 published", rep.Summary())
	assert.Equal(t, []string{"card-1", "card-2", "card-3"}, rep.IDs())
	assert.Equal(t, rep.IDs(), persisted)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, "b", rep.Failures[0].Title)
	assert.Equal(t, "rate_limited", rep.Failures[0].Kind)
	assert.Equal(t, "unknown", rep.Failures[1].Kind)
	assert.NotContains(t, rep.Failures[1].Detail, "def")
	assert.Equal(t, float64(3), testutil.ToFloat64(p.Metrics.Cards.WithLabelValues("ok")))
}

func TestPublishResolvesAssigneeAndDueDate(t *testing.T) {
	b := board.NewMemory()
	task := domain.TaskProposal{Title: "x", Description: "d", Owner: str("ada"), DueDate: str("2026-10-20T00:00:00Z")}
	rep := Publisher{Board: b}.Publish(context.Background(), []domain.TaskProposal{task}, roster(), "", nil)
	require.Len(t, rep.Cards, 1)
	require.Len(t, b.Inputs, 1)
	assert.Equal(t, "acct-ada", b.Inputs[0].AssigneeAccountID)
	assert.Equal(t, "2026-10-20", b.Inputs[0].DueDate)
}

func TestNormalizeDueDate(t *testing.T) {
	assert.Equal(t, "", NormalizeDueDate(nil))
	assert.Equal(t, "", NormalizeDueDate(str("next friday")))
	assert.Equal(t, "2026-10-23", NormalizeDueDate(str(" 2026-10-23 ")))
	assert.Equal(t, "2026-10-23", NormalizeDueDate(str("2026/10/23")))
	assert.Equal(t, "", NormalizeDueDate(str("2026-02-30")))
}

func TestDescription(t *testing.T) {
	task := domain.TaskProposal{
		Title:              "API",
		Description:        "Build the endpoint",
		AcceptanceCriteria: []string{"returns 200", "has tests"},
		Dependencies:       []string{"Schema"},
		Owner:              str("u2"),
		Effort:             str("M"),
	}
	got := Description(task, roster(), "2026-10-05T10:00:00Z")
	want := "Build the endpoint\n\n**Acceptance criteria**\n- returns 200\n- has tests\n\n**Depends on**\n- Schema\n\nOwner: Lin\nEffort: M\nApproved: 2026-10-05T10:00:00Z"
	assert.Equal(t, want, got)
}
