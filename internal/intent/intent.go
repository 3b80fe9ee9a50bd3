// Package intent routes chat messages before any generation call.
package intent

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type Label string

const (
	SmallTalk      Label = "SMALL_TALK"
	GateFeedback   Label = "GATE_FEEDBACK"
	KickoffRequest Label = "KICKOFF_REQUEST"
	Actionable     Label = "ACTIONABLE"
)

var fold = cases.Fold()

var (
	kickoffPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(let'?s|lets|can we|time to|ready to)\s+(start|begin|kick\s*off|do)\b.*\b(plan|planning|week|sprint)\b`),
		regexp.MustCompile(`\bkick\s*-?\s*off\b`),
		regexp.MustCompile(`\b(start|begin)\s+(the\s+)?(weekly\s+|this\s+week'?s\s+)?planning\b`),
		regexp.MustCompile(`^(new week|plan (the|this) week)$`),
	}

	smallTalkPattern = regexp.MustCompile(`^(` +
		`hi|hello|hey|heya|hiya|yo|howdy|sup|good (morning|afternoon|evening)|` +
		`thanks?|thank you|thank u|thx|ty|cheers|much appreciated|` +
		`ok|okay|k|kk|cool|nice|great|awesome|sounds good|got it|sure|yep|yup|noted|no worries|` +
		`lol|haha|bye|see ya|see you|later` +
		`)( (all|everyone|team|there|guys|folks|so much|a lot|bot))*$`)

	gateFeedbackPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(edit|remove|delete|drop|change|rename|replace|update|merge|split|reword|swap)\b.*\b(milestone|task|item|goal)\s*#?\d+`),
		regexp.MustCompile(`\b(milestone|task|item|goal)\s*#?\d+\b.*\b(should|needs? to|instead|is wrong|too)\b`),
		regexp.MustCompile(`\binstead of\b`),
		regexp.MustCompile(`^actually\b`),
	}

	reviewPattern = regexp.MustCompile(`\b(weekly review|review (the|this) week|wrap (it )?up (the|this) week|wrap up|end of week review)\b`)
)

// Normalize folds case, applies NFKC and collapses whitespace.
func Normalize(message string) string {
	s := norm.NFKC.String(message)
	s = fold.String(s)
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

// bare strips trailing punctuation, symbols and emoji so whole-message
// matching sees "thanks!! 🙏" as "thanks".
func bare(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) || r == '\u200d' || r == '\ufe0f'
	})
}

// Classify labels a message. It is deterministic and always returns one
// label: kickoff phrases win over small talk, small talk must match the
// whole message, then edit-style feedback, else the message is actionable.
func Classify(message string) Label {
	s := Normalize(message)
	for _, p := range kickoffPatterns {
		if p.MatchString(s) {
			return KickoffRequest
		}
	}
	if b := bare(s); b != "" && smallTalkPattern.MatchString(b) {
		return SmallTalk
	}
	if b := bare(s); b == "" && s != "" {
		// emoji-only reactions
		return SmallTalk
	}
	for _, p := range gateFeedbackPatterns {
		if p.MatchString(s) {
			return GateFeedback
		}
	}
	return Actionable
}

// WantsReview reports an explicit request to close the week.
func WantsReview(message string) bool {
	return reviewPattern.MatchString(Normalize(message))
}
