package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"facilitator/internal/config"
)

const defaultTrelloTimeout = 10 * time.Second

// Trello implements Board against the Trello REST API.
type Trello struct {
	BaseURL    string
	Key        string
	Token      string
	BoardID    string
	ListID     string
	DoneListID string
	HTTP       *http.Client
	Limiter    *rate.Limiter
}

// FromConfig returns nil when no board is configured or the key and token
// are missing from the environment, which makes publishing run in mock mode.
func FromConfig(cfg *config.Config) Board {
	if cfg == nil || !cfg.BoardConfigured() {
		return nil
	}
	key, token := os.Getenv("FAC_TRELLO_KEY"), os.Getenv("FAC_TRELLO_TOKEN")
	if key == "" || token == "" {
		return nil
	}
	t := &Trello{
		BaseURL:    cfg.Board.BaseURL,
		Key:        key,
		Token:      token,
		BoardID:    cfg.Board.BoardID,
		ListID:     cfg.Board.ListID,
		DoneListID: cfg.Board.DoneListID,
		HTTP:       &http.Client{Timeout: defaultTrelloTimeout},
	}
	if cfg.Board.RatePerSecond > 0 {
		t.Limiter = rate.NewLimiter(rate.Limit(cfg.Board.RatePerSecond), 1)
	}
	return t
}

type trelloCard struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	IDList           string  `json:"idList"`
	Due              *string `json:"due"`
	DueComplete      bool    `json:"dueComplete"`
	Closed           bool    `json:"closed"`
	DateLastActivity string  `json:"dateLastActivity"`
}

func (t *Trello) CreateCard(ctx context.Context, in CardInput) (string, error) {
	form := url.Values{}
	form.Set("idList", t.ListID)
	form.Set("name", in.Title)
	form.Set("desc", in.Description)
	form.Set("pos", "bottom")
	if in.DueDate != "" {
		form.Set("due", in.DueDate)
	}
	if in.AssigneeAccountID != "" {
		form.Set("idMembers", in.AssigneeAccountID)
	}
	var card trelloCard
	if err := t.do(ctx, http.MethodPost, "/cards", form, &card); err != nil {
		return "", err
	}
	if card.ID == "" {
		return "", &Error{Kind: KindUnknown, Message: "card created without id"}
	}
	return card.ID, nil
}

func (t *Trello) ListCards(ctx context.Context) ([]Card, error) {
	q := url.Values{}
	q.Set("fields", "name,idList,due,dueComplete,closed,dateLastActivity")
	var raw []trelloCard
	if err := t.do(ctx, http.MethodGet, "/boards/"+url.PathEscape(t.BoardID)+"/cards", q, &raw); err != nil {
		return nil, err
	}
	cards := make([]Card, 0, len(raw))
	for _, c := range raw {
		card := Card{ID: c.ID, Title: c.Name, Status: StatusOpen}
		if c.Closed || c.DueComplete || (t.DoneListID != "" && c.IDList == t.DoneListID) {
			card.Status = StatusDone
		}
		if c.Due != nil && len(*c.Due) >= 10 {
			card.DueDate = (*c.Due)[:10]
		}
		if ts, err := time.Parse(time.RFC3339, c.DateLastActivity); err == nil {
			card.LastActivity = ts
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func (t *Trello) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindRateLimited, Message: err.Error()}
		}
	}
	params.Set("key", t.Key)
	params.Set("token", t.Token)
	endpoint := strings.TrimRight(t.BaseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	client := t.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTrelloTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &Error{Kind: kindForStatus(res.StatusCode), Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Kind: KindUnknown, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
