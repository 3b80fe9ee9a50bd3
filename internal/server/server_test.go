package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"facilitator/internal/app"
	"facilitator/internal/config"
	"facilitator/internal/dispatch"
	"facilitator/internal/domain"
	"facilitator/internal/generate"
	"facilitator/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	services *app.Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Credentials: &generate.Credentials{}})
	if err != nil {
		t.Fatalf("open services: %v", err)
	}
	handler, err := New(Config{
		Dispatcher: s.Dispatcher,
		BasePath:   "/v1",
		Auth:       AuthConfig{JWTSecret: testSecret, AllowMemberHeader: true},
		Gatherer:   s.Registry,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &testServer{Server: httptest.NewServer(handler), services: s}
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv
}

func as(member string) map[string]string {
	return map[string]string{"X-Member-Id": member}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func (s *testServer) addMember(t *testing.T, room, id, name string) {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPut, s.URL+"/v1/rooms/"+room+"/members/"+id, map[string]any{"display_name": name}, as(id))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put member status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthWithoutAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[HealthResponse](t, data); got.Status != "ok" {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestMessageRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/messages", map[string]any{"body": "hi"}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/messages", map[string]any{"body": "hi"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestMessageToGateAndVotes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	srv.addMember(t, "team", "ana", "Ana")
	srv.addMember(t, "team", "ben", "Ben")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rooms/team/messages", map[string]any{"body": "let's start the weekly planning"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("message status %d: %s", res.StatusCode, string(data))
	}
	msg := decode[dispatch.Result](t, data)
	if msg.State != domain.StateApprovalGate1 || msg.ApprovalRequestID == "" {
		t.Fatalf("expected open skeleton gate, got %+v", msg)
	}
	if !msg.MockMode {
		t.Fatalf("expected mock mode without a generator")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/rooms/team/session", nil, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session status %d: %s", res.StatusCode, string(data))
	}
	sess := decode[SessionResponse](t, data)
	if sess.Pending == nil || sess.Pending.Request.ID != msg.ApprovalRequestID || sess.Pending.Tally.Total != 2 {
		t.Fatalf("expected pending approval in session, got %+v", sess.Pending)
	}

	voteURL := srv.URL + "/v1/approvals/" + msg.ApprovalRequestID + "/votes"
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"vote": "approve"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	if v := decode[dispatch.VoteResult](t, data); v.Resolved || v.Tally.Approved != 1 {
		t.Fatalf("expected pending 1/2, got %+v", v)
	}

	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"vote": "approve"}, as("carl"))
	expectError(t, res, data, http.StatusForbidden, "not_member")

	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"vote": "maybe"}, as("ben"))
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation error for bad vote, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"vote": "approve"}, as("ben"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	v := decode[dispatch.VoteResult](t, data)
	if !v.Resolved || v.Status != domain.GateApproved || v.State != domain.StatePlanningMeeting {
		t.Fatalf("expected approval into planning meeting, got %+v", v)
	}
	if !strings.Contains(v.Reply, "Planning meeting") {
		t.Fatalf("expected meeting prompt in reply, got %q", v.Reply)
	}

	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"vote": "approve"}, as("ana"))
	expectError(t, res, data, http.StatusConflict, "already_resolved")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals/"+msg.ApprovalRequestID, nil, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval status %d: %s", res.StatusCode, string(data))
	}
	ap := decode[ApprovalResponse](t, data)
	if ap.Request.Status != domain.GateApproved || len(ap.Votes) != 2 {
		t.Fatalf("unexpected approval %+v", ap)
	}
}

func TestTriggerRejectsIllegalTarget(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/trigger", map[string]any{"target": "WEEKLY_REVIEW"}, as("scheduler"))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/trigger", map[string]any{"target": "WEEKLY_KICKOFF"}, as("scheduler"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	if r := decode[dispatch.Result](t, data); r.State != domain.StateApprovalGate1 {
		t.Fatalf("expected trigger to run to the skeleton gate, got %s", r.State)
	}
}

func TestUnknownApprovalIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/approvals/missing", nil, as("ana"))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestBearerAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	token, err := SignToken(testSecret, "ana", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rooms/team/members", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}

	other, err := SignToken("other-secret", "ana", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rooms/team/members", nil, map[string]string{"Authorization": "Bearer " + other})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	key := "fac_test_key"
	err = srv.services.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{ID: "k1", ActorID: "scheduler", KeyHash: repo.HashAPIKey(key)})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/trigger", map[string]any{"target": "WEEKLY_KICKOFF"}, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rooms/team/members", nil, map[string]string{"X-Api-Key": "wrong"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	stored, err := srv.services.Repo.GetAPIKeyByHash(context.Background(), repo.HashAPIKey(key))
	if err != nil {
		t.Fatalf("get api key: %v", err)
	}
	if stored.LastUsedAt == "" {
		t.Fatalf("expected last_used_at to be recorded")
	}
}

func TestRoomScopedAPIKey(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if _, err := srv.services.Repo.EnsureRoom(ctx, "ops", ""); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	key := "fac_ops_key"
	err := srv.services.Repo.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k-ops", ActorID: "scheduler", RoomID: "ops", KeyHash: repo.HashAPIKey(key)})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	headers := map[string]string{"X-Api-Key": key}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/trigger", map[string]any{"target": "WEEKLY_KICKOFF"}, headers)
	expectError(t, res, data, http.StatusForbidden, "room_forbidden")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/ops/trigger", map[string]any{"target": "WEEKLY_KICKOFF"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scoped trigger status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPageInOrder(t *testing.T) {
	srv := newTestServer(t)
	srv.addMember(t, "team", "ana", "Ana")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rooms/team/messages", map[string]any{"body": "let's start the weekly planning"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("message status %d: %s", res.StatusCode, string(data))
	}

	var all []EventResponse
	after := ""
	for page := 0; page < 20; page++ {
		url := srv.URL + "/v1/rooms/team/events?limit=2"
		if after != "" {
			url += "&after=" + after
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, as("ana"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, string(data))
		}
		p := decode[paginatedEvents](t, data)
		if len(p.Items) > 2 {
			t.Fatalf("page larger than limit: %d", len(p.Items))
		}
		all = append(all, p.Items...)
		if p.NextCursor == "" {
			break
		}
		after = p.NextCursor
	}
	if len(all) < 3 {
		t.Fatalf("expected several events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("events out of order at %d: %d after %d", i, all[i].ID, all[i-1].ID)
		}
	}
	if all[0].Type != "session.created" {
		t.Fatalf("expected session.created first, got %s", all[0].Type)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rooms/team/events?after=abc", nil, as("ana"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("expected go collector output")
	}
}

func TestForwarderDeliversNewEventsInOrder(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu   sync.Mutex
		got  []webhookEvent
		hdrs []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		hdrs = append(hdrs, r.Header.Get("X-Facilitator-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	if _, err := srv.services.Repo.EnsureRoom(ctx, "old", ""); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	if _, err := srv.services.Dispatcher.Trigger(ctx, "old", domain.StateWeeklyKickoff); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	f := NewForwarder(srv.services.Repo, []config.Webhook{{
		URL: hook.URL, Enabled: true, Rooms: []string{"team"}, Secret: "s3",
	}}, nil)
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("init flush: %v", err)
	}
	if _, err := srv.services.Dispatcher.Trigger(ctx, "team", domain.StateWeeklyKickoff); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := srv.services.Dispatcher.Trigger(ctx, "old", domain.StateWeeklyKickoff); err == nil {
		t.Fatalf("expected second kickoff in old room to be rejected")
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("expected deliveries")
	}
	for i, evt := range got {
		if evt.RoomID != "team" {
			t.Fatalf("delivered event from room %q", evt.RoomID)
		}
		if hdrs[i] != "s3" {
			t.Fatalf("missing secret header")
		}
		if i > 0 && evt.ID <= got[i-1].ID {
			t.Fatalf("out of order delivery")
		}
	}
	if got[0].Type != "session.created" {
		t.Fatalf("expected session.created first, got %s", got[0].Type)
	}
}
