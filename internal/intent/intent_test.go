package intent_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"facilitator/internal/domain"
	"facilitator/internal/intent"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want intent.Label
	}{
		{"hi", intent.SmallTalk},
		{"thanks", intent.SmallTalk},
		{"ok", intent.SmallTalk},
		{"Thanks so much!!", intent.SmallTalk},
		{"  OK.  ", intent.SmallTalk},
		{"👍", intent.SmallTalk},
		{"let's start the weekly planning", intent.KickoffRequest},
		{"Let’s kick off planning", intent.KickoffRequest},
		{"hey, can we start planning the week?", intent.KickoffRequest},
		{"remove milestone 3", intent.GateFeedback},
		{"Actually the demo is on Thursday", intent.GateFeedback},
		{"use Postgres instead of SQLite", intent.GateFeedback},
		{"We should finish the login page first, then set up CI before Friday's demo", intent.Actionable},
		{"hi team, I can take the database schema and the seed scripts this week", intent.Actionable},
		{"", intent.Actionable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, intent.Classify(c.msg), "message %q", c.msg)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	msg := "rename milestone 2 to something shorter"
	first := intent.Classify(msg)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, intent.Classify(msg))
	}
}

func TestWantsReview(t *testing.T) {
	assert.True(t, intent.WantsReview("Can we do the weekly review?"))
	assert.True(t, intent.WantsReview("let's wrap up the week"))
	assert.False(t, intent.WantsReview("I reviewed the PR"))
}

func TestSmallTalkReply(t *testing.T) {
	gate := intent.SmallTalkReply("thanks", true, domain.StateApprovalGate1)
	assert.Contains(t, gate, "approval")

	reply := intent.SmallTalkReply("hello", false, domain.StatePlanningMeeting)
	assert.True(t, strings.HasPrefix(reply, "Hi!"))
	assert.Contains(t, reply, intent.NextActionHint(domain.StatePlanningMeeting))

	assert.Equal(t, "You're welcome!", intent.SmallTalkReply("thx", false, domain.State("UNKNOWN")))
}

func TestNextActionHintCoversEveryState(t *testing.T) {
	for _, s := range domain.States {
		assert.NotEmpty(t, intent.NextActionHint(s), "state %s", s)
	}
	assert.Empty(t, intent.NextActionHint(domain.State("NOPE")))
}
