package parse

import "context"

// Tier records which rung of a Ladder produced the value.
type Tier string

const (
	TierDirect   Tier = "direct"
	TierRepaired Tier = "repaired"
	TierFallback Tier = "fallback"
)

// GenerateFunc returns generated text and whether it came from a fallback
// because the generator was unavailable.
type GenerateFunc func(ctx context.Context, prompt string) (text string, mock bool)

// Ladder parses generator output with one repair attempt before giving up
// to a deterministic fallback.
type Ladder[T any] struct {
	Parse func(string) (T, bool)
	// Repair builds a prompt asking the generator to fix raw. Nil skips
	// the repair rung.
	Repair   func(raw string) string
	Fallback func() T
}

type Outcome[T any] struct {
	Value    T
	Tier     Tier
	MockMode bool
	Raw      string
}

// Run generates from prompt and climbs down the ladder until a value parses.
// The repair rung is skipped when the first answer was already a fallback.
func (l Ladder[T]) Run(ctx context.Context, gen GenerateFunc, prompt string) Outcome[T] {
	text, mock := gen(ctx, prompt)
	if v, ok := l.Parse(text); ok {
		return Outcome[T]{Value: v, Tier: TierDirect, MockMode: mock, Raw: text}
	}
	if l.Repair != nil && !mock && ctx.Err() == nil {
		repaired, rmock := gen(ctx, l.Repair(text))
		mock = mock || rmock
		if v, ok := l.Parse(repaired); ok {
			return Outcome[T]{Value: v, Tier: TierRepaired, MockMode: mock, Raw: repaired}
		}
		text = repaired
	}
	var v T
	if l.Fallback != nil {
		v = l.Fallback()
	}
	return Outcome[T]{Value: v, Tier: TierFallback, MockMode: mock, Raw: text}
}
