package engine_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"facilitator/internal/domain"
	"facilitator/internal/engine"
)

func roster(n int) []domain.Member {
	members := make([]domain.Member, n)
	for i := range members {
		members[i] = domain.Member{MemberID: fmt.Sprintf("m%d", i)}
	}
	return members
}

// votesFrom turns generated choices into one vote per member, replaying
// upserts so the last choice per member wins.
func votesFrom(n int, choices []bool) []domain.Vote {
	latest := map[string]domain.VoteChoice{}
	var order []string
	for i, approve := range choices {
		id := fmt.Sprintf("m%d", i%n)
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		if approve {
			latest[id] = domain.VoteApprove
		} else {
			latest[id] = domain.VoteRequestChange
		}
	}
	var votes []domain.Vote
	for _, id := range order {
		votes = append(votes, domain.Vote{VoterID: id, Vote: latest[id]})
	}
	return votes
}

func TestResolveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any request_change rejects", prop.ForAll(
		func(n int, choices []bool) bool {
			votes := votesFrom(n, choices)
			status, _ := engine.Resolve(votes, roster(n))
			dissent := false
			for _, v := range votes {
				if v.Vote == domain.VoteRequestChange {
					dissent = true
				}
			}
			return dissent == (status == domain.GateRejected)
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("approved only when every member approved", prop.ForAll(
		func(n int, choices []bool) bool {
			votes := votesFrom(n, choices)
			status, tally := engine.Resolve(votes, roster(n))
			if status == domain.GateApproved {
				return tally.Approved == n && len(votes) == n
			}
			return tally.Approved <= n
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
