// Package assign proposes owners for tasks nobody claimed.
package assign

import (
	"context"
	"time"

	"go.uber.org/zap"

	"facilitator/internal/domain"
	"facilitator/internal/parse"
	"facilitator/internal/prompt"
)

type Suggester struct {
	Generate parse.GenerateFunc
	Prompts  *prompt.Builder
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Suggest returns a copy of tasks where every unowned task has an owner.
// A generated suggestion is used when it arrives within Timeout and names
// current members; everything else is assigned by Fair.
func (s Suggester) Suggest(ctx context.Context, room string, tasks []domain.TaskProposal, members []domain.Member) []domain.TaskProposal {
	out := append([]domain.TaskProposal(nil), tasks...)
	if len(members) == 0 || !hasUnowned(out) {
		return out
	}
	if suggested := s.generated(ctx, room, out, members); suggested != nil {
		valid := make(map[string]bool, len(members))
		for _, m := range members {
			valid[m.MemberID] = true
		}
		for i := range out {
			if out[i].Owner != nil {
				continue
			}
			if owner, ok := suggested[out[i].Title]; ok && valid[owner] {
				o := owner
				out[i].Owner = &o
			}
		}
	}
	return Fair(out, members)
}

func (s Suggester) generated(ctx context.Context, room string, tasks []domain.TaskProposal, members []domain.Member) map[string]string {
	if s.Generate == nil || s.Prompts == nil {
		return nil
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	load := loads(tasks)
	refs := make([]prompt.MemberRef, 0, len(members))
	for _, m := range members {
		refs = append(refs, prompt.MemberRef{ID: m.MemberID, Name: m.Name(), Load: load[m.MemberID]})
	}
	var unowned []domain.TaskProposal
	for _, t := range tasks {
		if t.Owner == nil {
			unowned = append(unowned, t)
		}
	}
	p, err := s.Prompts.Build(prompt.Assign, prompt.Context{Room: room, MemberRefs: refs, Tasks: unowned})
	if err != nil {
		logger.Warn("build assign prompt", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := make(chan map[string]string, 1)
	go func() {
		text, mock := s.Generate(ctx, p)
		if mock {
			ch <- nil
			return
		}
		m, ok := parse.Assignments(text)
		if !ok {
			ch <- nil
			return
		}
		ch <- m
	}()
	select {
	case m := <-ch:
		return m
	case <-ctx.Done():
		logger.Info("assignee suggestion timed out, using fair split", zap.Duration("timeout", timeout))
		return nil
	}
}

// Fair gives each unowned task to the member with the fewest tasks so far.
// Ties go to the member listed first.
func Fair(tasks []domain.TaskProposal, members []domain.Member) []domain.TaskProposal {
	if len(members) == 0 {
		return tasks
	}
	load := loads(tasks)
	for i := range tasks {
		if tasks[i].Owner != nil {
			continue
		}
		best := members[0].MemberID
		for _, m := range members[1:] {
			if load[m.MemberID] < load[best] {
				best = m.MemberID
			}
		}
		owner := best
		tasks[i].Owner = &owner
		load[best]++
	}
	return tasks
}

func loads(tasks []domain.TaskProposal) map[string]int {
	load := map[string]int{}
	for _, t := range tasks {
		if t.Owner != nil {
			load[*t.Owner]++
		}
	}
	return load
}

func hasUnowned(tasks []domain.TaskProposal) bool {
	for _, t := range tasks {
		if t.Owner == nil {
			return true
		}
	}
	return false
}
