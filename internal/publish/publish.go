// Package publish turns an approved task plan into task-board cards.
package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"facilitator/internal/board"
	"facilitator/internal/domain"
)

// Report is the outcome of one publish batch.
type Report struct {
	Cards    []domain.PublishedCard
	Failures []domain.PublishFailure
	Total    int
}

// Summary reads "N/M published".
func (r Report) Summary() string {
	return fmt.Sprintf("%d/%d published", len(r.Cards), r.Total)
}

// IDs returns the created card ids in creation order.
func (r Report) IDs() []string {
	ids := make([]string, 0, len(r.Cards))
	for _, c := range r.Cards {
		ids = append(ids, c.CardID)
	}
	return ids
}

type Metrics struct {
	Cards *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Cards: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Subsystem: "publish",
			Name:      "cards_total",
			Help:      "Card creation attempts by outcome.",
		}, []string{"outcome"}),
	}
}

type Publisher struct {
	Board   board.Board
	Logger  *zap.Logger
	Metrics *Metrics
}

// Publish creates one card per task in order. A failed card is recorded
// and the batch continues. onCard runs after each created card so the
// caller can persist progress; its error is logged, not fatal.
func (p Publisher) Publish(ctx context.Context, tasks []domain.TaskProposal, roster []domain.Member, approvedAt string, onCard func(domain.PublishedCard) error) Report {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rep := Report{Total: len(tasks)}
	for _, t := range tasks {
		in := board.CardInput{
			Title:       t.Title,
			Description: Description(t, roster, approvedAt),
			DueDate:     NormalizeDueDate(t.DueDate),
		}
		if m, ok := resolveOwner(t.Owner, roster); ok {
			in.AssigneeAccountID = m.BoardAccountID
		}
		id, err := p.Board.CreateCard(ctx, in)
		if err != nil {
			kind, detail := board.Sanitize(err)
			rep.Failures = append(rep.Failures, domain.PublishFailure{Title: t.Title, Kind: string(kind), Detail: detail})
			p.count(string(kind))
			logger.Warn("card creation failed", zap.String("title", t.Title), zap.String("kind", string(kind)), zap.String("detail", detail))
			continue
		}
		card := domain.PublishedCard{Title: t.Title, CardID: id}
		rep.Cards = append(rep.Cards, card)
		p.count("ok")
		if onCard != nil {
			if err := onCard(card); err != nil {
				logger.Error("persist published card", zap.String("card", id), zap.Error(err))
			}
		}
	}
	return rep
}

func (p Publisher) count(outcome string) {
	if p.Metrics != nil {
		p.Metrics.Cards.WithLabelValues(outcome).Inc()
	}
}

var dueLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006/01/02", "02.01.2006", "Jan 2, 2006", "January 2, 2006"}

// NormalizeDueDate returns YYYY-MM-DD or "" when v is absent or unparseable.
func NormalizeDueDate(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return ""
	}
	for _, layout := range dueLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// resolveOwner matches an owner by member id, then by display name.
func resolveOwner(owner *string, roster []domain.Member) (domain.Member, bool) {
	if owner == nil || strings.TrimSpace(*owner) == "" {
		return domain.Member{}, false
	}
	o := strings.TrimSpace(*owner)
	for _, m := range roster {
		if m.MemberID == o {
			return m, true
		}
	}
	for _, m := range roster {
		if m.DisplayName != "" && strings.EqualFold(m.DisplayName, o) {
			return m, true
		}
	}
	return domain.Member{}, false
}

// Description renders the card body.
func Description(t domain.TaskProposal, roster []domain.Member, approvedAt string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Description))
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n\n**Acceptance criteria**\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(t.Dependencies) > 0 {
		b.WriteString("\n**Depends on**\n")
		for _, d := range t.Dependencies {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	b.WriteString("\n")
	if m, ok := resolveOwner(t.Owner, roster); ok {
		fmt.Fprintf(&b, "Owner: %s\n", m.Name())
	} else if t.Owner != nil && *t.Owner != "" {
		fmt.Fprintf(&b, "Owner: %s\n", *t.Owner)
	}
	if t.Effort != nil {
		fmt.Fprintf(&b, "Effort: %s\n", *t.Effort)
	}
	if approvedAt != "" {
		fmt.Fprintf(&b, "Approved: %s\n", approvedAt)
	}
	return strings.TrimSpace(b.String())
}
