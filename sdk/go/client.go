package facilitatorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal facilitator HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// MemberID is sent as X-Member-Id for servers that allow it.
	MemberID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		// generation can take several model attempts
		Timeout: 90 * time.Second,
	}
}

// Reply is the facilitator's answer to a message or trigger.
type Reply struct {
	Reply             string `json:"reply"`
	MockMode          bool   `json:"mock_mode"`
	State             string `json:"state"`
	SessionID         string `json:"session_id"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

type Tally struct {
	Approved int `json:"approved"`
	Total    int `json:"total"`
}

// VoteResult is the gate after a vote.
type VoteResult struct {
	Resolved bool   `json:"resolved"`
	Status   string `json:"status"`
	Tally    Tally  `json:"tally"`
	Reply    string `json:"reply"`
	MockMode bool   `json:"mock_mode"`
	State    string `json:"state"`
}

type Member struct {
	RoomID         string `json:"room_id"`
	MemberID       string `json:"member_id"`
	DisplayName    string `json:"display_name"`
	BoardAccountID string `json:"board_account_id,omitempty"`
	Position       int    `json:"position"`
}

// Session is the week session (partial; Data is left raw).
type Session struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"room_id"`
	WeekNumber int             `json:"week_number"`
	State      string          `json:"state"`
	Version    int             `json:"version"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  string          `json:"updated_at"`
}

type ApprovalRequest struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	RoomID        string `json:"room_id"`
	Type          string `json:"type"`
	Payload       string `json:"payload_json"`
	PayloadDigest string `json:"payload_digest"`
	Status        string `json:"status"`
}

type Vote struct {
	VoterID string `json:"voter_id"`
	Vote    string `json:"vote"`
	Comment string `json:"comment,omitempty"`
	TS      string `json:"ts"`
}

type Approval struct {
	Request ApprovalRequest `json:"request"`
	Votes   []Vote          `json:"votes"`
	Tally   Tally           `json:"tally"`
}

type SessionView struct {
	Session    Session   `json:"session"`
	Successors []string  `json:"successors"`
	Pending    *Approval `json:"pending_approval,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RoomID     string         `json:"room_id"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Say posts a chat message to a room as the authenticated member.
func (c *Client) Say(ctx context.Context, roomID, body string) (Reply, error) {
	var resp Reply
	err := c.do(ctx, http.MethodPost, c.roomPath(roomID, "messages"), map[string]any{"body": body}, &resp)
	return resp, err
}

// Trigger starts (WEEKLY_KICKOFF) or closes (WEEKLY_REVIEW) the week.
func (c *Client) Trigger(ctx context.Context, roomID, target string) (Reply, error) {
	var resp Reply
	err := c.do(ctx, http.MethodPost, c.roomPath(roomID, "trigger"), map[string]any{"target": target}, &resp)
	return resp, err
}

// Session returns the room's current week session and any open gate.
func (c *Client) Session(ctx context.Context, roomID string) (SessionView, error) {
	var resp SessionView
	err := c.do(ctx, http.MethodGet, c.roomPath(roomID, "session"), nil, &resp)
	return resp, err
}

// Members returns the room roster.
func (c *Client) Members(ctx context.Context, roomID string) ([]Member, error) {
	var resp struct {
		Items []Member `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.roomPath(roomID, "members"), nil, &resp)
	return resp.Items, err
}

// PutMember adds or renames a room member.
func (c *Client) PutMember(ctx context.Context, roomID, memberID, displayName string) (Member, error) {
	var resp Member
	endpoint := c.roomPath(roomID, "members/"+url.PathEscape(memberID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"display_name": displayName}, &resp)
	return resp, err
}

// Approval fetches an approval request with its votes.
func (c *Client) Approval(ctx context.Context, requestID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "v1/approvals/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

// Vote records "approve" or "request_change" on an approval request.
func (c *Client) Vote(ctx context.Context, requestID, vote, comment string) (VoteResult, error) {
	body := map[string]any{"vote": vote}
	if comment != "" {
		body["comment"] = comment
	}
	var resp VoteResult
	err := c.do(ctx, http.MethodPost, "v1/approvals/"+url.PathEscape(requestID)+"/votes", body, &resp)
	return resp, err
}

// EventsPage returns audit events oldest first after the cursor.
func (c *Client) EventsPage(ctx context.Context, roomID string, limit int, after string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after != "" {
		q.Set("after", after)
	}
	endpoint := c.roomPath(roomID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.MemberID != "":
		req.Header.Set("X-Member-Id", c.MemberID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) roomPath(roomID, p string) string {
	return fmt.Sprintf("v1/rooms/%s/%s", url.PathEscape(roomID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
