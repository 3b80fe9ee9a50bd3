// Package board talks to the team's task board.
package board

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CardInput is one card to create.
type CardInput struct {
	Title       string
	Description string
	DueDate     string
	// AssigneeAccountID is the board account of the owner, if known.
	AssigneeAccountID string
}

const (
	StatusOpen = "open"
	StatusDone = "done"
)

type Card struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	DueDate      string    `json:"due_date,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

type Board interface {
	CreateCard(ctx context.Context, in CardInput) (string, error)
	ListCards(ctx context.Context) ([]Card, error)
}

type Kind string

const (
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindNetwork     Kind = "network"
	KindUnknown     Kind = "unknown"
)

// Error is a board failure with a classified kind.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("board %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("board %s: %s", e.Kind, e.Message)
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindNetwork
	}
	return KindUnknown
}

const maxDetail = 200

var secretPattern = regexp.MustCompile(`(?i)\b(key|token)=[^&\s"']+`)

// Sanitize classifies err and returns a detail safe to store and show:
// credentials are masked and the text is capped at 200 characters.
func Sanitize(err error) (Kind, string) {
	if err == nil {
		return "", ""
	}
	kind := KindUnknown
	var be *Error
	switch {
	case errors.As(err, &be):
		kind = be.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindNetwork
	}
	detail := secretPattern.ReplaceAllString(err.Error(), "$1=***")
	detail = strings.Join(strings.Fields(detail), " ")
	if r := []rune(detail); len(r) > maxDetail {
		detail = string(r[:maxDetail])
	}
	return kind, detail
}
