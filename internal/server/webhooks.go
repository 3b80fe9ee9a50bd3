package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facilitator/internal/config"
	"facilitator/internal/domain"
	"facilitator/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Forwarder posts new audit events to the configured webhooks. Each hook
// keeps its own cursor and receives events in id order; a failed delivery
// is retried from the same event on the next flush.
type Forwarder struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewForwarder(r repo.Repo, hooks []config.Webhook, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		Logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Enabled reports whether any hook would receive events.
func (f *Forwarder) Enabled() bool {
	for _, h := range f.Hooks {
		if h.Enabled && strings.TrimSpace(h.URL) != "" {
			return true
		}
	}
	return false
}

// Run flushes on every tick until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	if !f.Enabled() {
		return nil
	}
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		if err := f.Flush(ctx); err != nil {
			f.Logger.Warn("webhook flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush delivers pending events to every enabled hook concurrently. The
// first call for a hook starts it at the newest event.
func (f *Forwarder) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, hook := range f.Hooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		g.Go(func() error {
			return f.deliver(ctx, i, hook)
		})
	}
	return g.Wait()
}

func (f *Forwarder) deliver(ctx context.Context, idx int, hook config.Webhook) error {
	cursor, ok := f.cursor(idx)
	if !ok {
		latest, err := f.Repo.LatestEventID(ctx, "")
		if err != nil {
			return fmt.Errorf("init webhook cursor: %w", err)
		}
		f.setCursor(idx, latest)
		return nil
	}
	events, err := f.Repo.EventsAfter(ctx, repo.EventFilter{}, defaultWebhookBatch, cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	rooms := newEventFilter(hook.Rooms)
	for _, evt := range events {
		if filter.match(evt.Type) && rooms.match(evt.RoomID) {
			if err := f.postEvent(ctx, hook, evt); err != nil {
				f.Logger.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Int64("event", evt.ID), zap.Error(err))
				return nil
			}
		}
		f.setCursor(idx, evt.ID)
	}
	return nil
}

func (f *Forwarder) cursor(idx int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = make(map[int]int64)
	}
	cur, ok := f.cursors[idx]
	return cur, ok
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RoomID     string          `json:"room_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (f *Forwarder) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RoomID:     evt.RoomID,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	if hook.Timeout > 0 && hook.Timeout != client.Timeout {
		client = &http.Client{Timeout: hook.Timeout, Transport: client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Facilitator-Event", evt.Type)
	req.Header.Set("X-Facilitator-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.RoomID != "" {
		req.Header.Set("X-Facilitator-Room", evt.RoomID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Facilitator-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(values []string) eventFilter {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := strings.TrimSpace(v); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(v string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[v]
	return ok
}
