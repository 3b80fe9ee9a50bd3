package board

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process board used in tests and demos. FailOn makes
// CreateCard fail for the listed titles.
type Memory struct {
	mu     sync.Mutex
	Cards  []Card
	Inputs []CardInput
	FailOn map[string]error
	Now    func() time.Time
	seq    int
}

func NewMemory() *Memory {
	return &Memory{FailOn: map[string]error{}}
}

func (m *Memory) CreateCard(ctx context.Context, in CardInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailOn[in.Title]; ok {
		return "", err
	}
	m.seq++
	id := fmt.Sprintf("card-%d", m.seq)
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	m.Inputs = append(m.Inputs, in)
	m.Cards = append(m.Cards, Card{ID: id, Title: in.Title, Status: StatusOpen, DueDate: in.DueDate, LastActivity: now})
	return id, nil
}

func (m *Memory) ListCards(ctx context.Context) ([]Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Card(nil), m.Cards...), nil
}

// Created returns how many cards were created.
func (m *Memory) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inputs)
}
