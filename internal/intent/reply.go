package intent

import (
	"regexp"

	"facilitator/internal/domain"
)

var hints = map[domain.State]string{
	domain.StateIdle:            `Say "let's start planning" to kick off this week.`,
	domain.StateWeeklyKickoff:   "I'm getting this week's kickoff ready.",
	domain.StateSkeletonDraft:   "Tell me what the team wants to achieve this week and I'll draft milestones.",
	domain.StateSkeletonQA:      "Answer my open question so I can finish the milestone draft.",
	domain.StateApprovalGate1:   "Everyone needs to approve or request changes on the milestone draft.",
	domain.StatePlanningMeeting: "Share what you plan to work on this week.",
	domain.StateTaskProposals:   "Send a message when you're ready for me to turn contributions into tasks.",
	domain.StateApprovalGate2:   "Everyone needs to approve or request changes on the task plan.",
	domain.StateTrelloPublish:   "I'm publishing the approved tasks to the board.",
	domain.StateMonitor:         `Keep your cards moving. Say "weekly review" to wrap up the week.`,
	domain.StateWeeklyReview:    "I'm writing up the weekly review.",
}

// NextActionHint returns what the room should do next in state s, or ""
// for an unknown state.
func NextActionHint(s domain.State) string {
	return hints[s]
}

var (
	greetingPattern = regexp.MustCompile(`^(hi|hello|hey|heya|hiya|yo|howdy|sup|good (morning|afternoon|evening))\b`)
	thanksPattern   = regexp.MustCompile(`^(thanks?|thank you|thank u|thx|ty|cheers|much appreciated)\b`)
	byePattern      = regexp.MustCompile(`^(bye|see ya|see you|later)\b`)
)

// SmallTalkReply builds the canned answer for a small-talk message. With a
// gate open it always points at the pending approval.
func SmallTalkReply(message string, gateOpen bool, s domain.State) string {
	if gateOpen {
		return "There's an approval waiting on the room. Reply \"approve\" or \"request changes\" with what you'd change."
	}
	b := bare(Normalize(message))
	var opener string
	switch {
	case greetingPattern.MatchString(b):
		opener = "Hi!"
	case thanksPattern.MatchString(b):
		opener = "You're welcome!"
	case byePattern.MatchString(b):
		opener = "See you soon!"
	default:
		opener = "Got it."
	}
	if hint := NextActionHint(s); hint != "" {
		return opener + " " + hint
	}
	return opener
}
