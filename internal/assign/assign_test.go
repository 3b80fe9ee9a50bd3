package assign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"facilitator/internal/domain"
	"facilitator/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func members(ids ...string) []domain.Member {
	var out []domain.Member
	for i, id := range ids {
		out = append(out, domain.Member{RoomID: "r", MemberID: id, Position: i})
	}
	return out
}

func str(s string) *string { return &s }

func owners(tasks []domain.TaskProposal) []string {
	var out []string
	for _, t := range tasks {
		if t.Owner == nil {
			out = append(out, "")
			continue
		}
		out = append(out, *t.Owner)
	}
	return out
}

func TestFairBalancesByExistingLoad(t *testing.T) {
	tasks := []domain.TaskProposal{
		{Title: "a", Owner: str("u1")},
		{Title: "b"},
		{Title: "c"},
		{Title: "d"},
	}
	got := Fair(tasks, members("u1", "u2", "u3"))
	assert.Equal(t, []string{"u1", "u2", "u3", "u1"}, owners(got))
}

func newBuilder(t *testing.T) *prompt.Builder {
	t.Helper()
	b, err := prompt.New(0)
	require.NoError(t, err)
	return b
}

func TestSuggestUsesGeneratedOwners(t *testing.T) {
	s := Suggester{
		Prompts: newBuilder(t),
		Timeout: time.Second,
		Generate: func(ctx context.Context, p string) (string, bool) {
			return `{"assignments":[{"title":"b","owner":"u3"},{"title":"c","owner":"stranger"}]}`, false
		},
	}
	tasks := []domain.TaskProposal{{Title: "b"}, {Title: "c"}}
	got := s.Suggest(context.Background(), "room", tasks, members("u1", "u2", "u3"))
	// unknown owners fall back to the fair split
	assert.Equal(t, []string{"u3", "u1"}, owners(got))
	assert.Nil(t, tasks[0].Owner, "input must not be mutated")
}

func TestSuggestTimesOutToFairSplit(t *testing.T) {
	s := Suggester{
		Prompts: newBuilder(t),
		Timeout: 20 * time.Millisecond,
		Generate: func(ctx context.Context, p string) (string, bool) {
			<-ctx.Done()
			return "", true
		},
	}
	start := time.Now()
	got := s.Suggest(context.Background(), "room", []domain.TaskProposal{{Title: "x"}, {Title: "y"}}, members("u1", "u2"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"u1", "u2"}, owners(got))
}

func TestSuggestMockGenerationUsesFairSplit(t *testing.T) {
	called := false
	s := Suggester{
		Prompts: newBuilder(t),
		Generate: func(ctx context.Context, p string) (string, bool) {
			called = true
			return "", true
		},
	}
	got := s.Suggest(context.Background(), "room", []domain.TaskProposal{{Title: "x"}}, members("u1"))
	assert.True(t, called)
	assert.Equal(t, []string{"u1"}, owners(got))
}

func TestSuggestWithoutMembersLeavesTasks(t *testing.T) {
	got := Suggester{}.Suggest(context.Background(), "room", []domain.TaskProposal{{Title: "x"}}, nil)
	assert.Nil(t, got[0].Owner)
}
