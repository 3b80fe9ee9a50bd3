package generate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"facilitator/internal/config"
)

type step struct {
	text string
	err  error
}

type fakeProvider struct {
	mu    sync.Mutex
	steps map[string][]step
	calls []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	queue := f.steps[model]
	if len(queue) == 0 {
		return "", errors.New("connection reset by peer")
	}
	s := queue[0]
	f.steps[model] = queue[1:]
	return s.text, s.err
}

func newAdapter(t *testing.T, p Provider, models ...string) *Adapter {
	t.Helper()
	return &Adapter{
		Provider:    p,
		Models:      models,
		Timeout:     time.Second,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		Logger:      zaptest.NewLogger(t),
	}
}

func TestGenerateFirstModel(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{"m1": {{text: "hello"}}}}
	a := newAdapter(t, p, "m1", "m2")
	res := a.Generate(context.Background(), Request{Purpose: "kickoff", Prompt: "p", Fallback: "fb"})
	assert.False(t, res.MockMode)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "m1", res.Model)
	assert.Nil(t, res.Failure)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics.Calls.WithLabelValues("fake", "m1", "ok")))
}

func TestGenerateRetriesThenFallsBackToNextModel(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{
		"m1": {{err: errors.New("status 503 unavailable")}, {err: errors.New("status 503 unavailable")}},
		"m2": {{text: "from m2"}},
	}}
	a := newAdapter(t, p, "m1", "m2")
	res := a.Generate(context.Background(), Request{Purpose: "skeleton", Prompt: "p", Fallback: "fb"})
	assert.False(t, res.MockMode)
	assert.Equal(t, "from m2", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"m1", "m1", "m2"}, p.calls)
}

func TestGenerateAuthStopsImmediately(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{
		"m1": {{err: errors.New("POST: 401 Unauthorized")}},
		"m2": {{text: "never"}},
	}}
	a := newAdapter(t, p, "m1", "m2")
	res := a.Generate(context.Background(), Request{Purpose: "qa", Prompt: "p", Fallback: "fallback text"})
	assert.True(t, res.MockMode)
	assert.Equal(t, "fallback text", res.Text)
	require.NotNil(t, res.Failure)
	assert.Equal(t, KindAuth, res.Failure.Kind)
	assert.Equal(t, []string{"m1"}, p.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Metrics.Fallbacks.WithLabelValues("qa", "auth")))
}

func TestFailedAttemptLogsFullError(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{
		"m1": {{err: errors.New("POST https://api.example/v1: 401 Unauthorized key=sk-secret")}},
	}}
	a := newAdapter(t, p, "m1")
	core, logs := observer.New(zap.WarnLevel)
	a.Logger = zap.New(core)

	res := a.Generate(context.Background(), Request{Purpose: "qa", Prompt: "p", Fallback: "fb"})

	entries := logs.FilterMessage("generation attempt failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "401 Unauthorized")
	require.NotNil(t, res.Failure)
	assert.NotContains(t, res.Failure.Message, "sk-secret")
}

func TestGenerateEmptyIsRetried(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{"m1": {{text: "  "}, {text: "ok"}}}}
	a := newAdapter(t, p, "m1")
	res := a.Generate(context.Background(), Request{Prompt: "p"})
	assert.False(t, res.MockMode)
	assert.Equal(t, "ok", res.Text)
}

func TestGenerateBadRequestSkipsRetry(t *testing.T) {
	p := &fakeProvider{steps: map[string][]step{"m1": {{err: errors.New("400 invalid argument")}}}}
	a := newAdapter(t, p, "m1")
	res := a.Generate(context.Background(), Request{Prompt: "p", Fallback: "fb"})
	assert.True(t, res.MockMode)
	assert.Equal(t, KindBadRequest, res.Failure.Kind)
	assert.Len(t, p.calls, 1)
}

func TestGenerateWithoutProviderIsMock(t *testing.T) {
	cfg := config.Default().Generator
	a := New(cfg, Credentials{}, zaptest.NewLogger(t), nil)
	res := a.Generate(context.Background(), Request{Purpose: "kickoff", Prompt: "p", Fallback: "welcome"})
	assert.True(t, res.MockMode)
	assert.Equal(t, "welcome", res.Text)
	assert.Equal(t, KindMissingCredentials, res.Failure.Kind)
	assert.NotContains(t, res.Failure.Message, "API key")
}

func TestGenerateMissingKeyForProvider(t *testing.T) {
	cfg := config.Default().Generator
	cfg.Provider = "anthropic"
	cfg.Models = []string{"claude-x"}
	a := New(cfg, Credentials{}, zaptest.NewLogger(t), nil)
	assert.Nil(t, a.Provider)
	res := a.Generate(context.Background(), Request{Prompt: "p", Fallback: "fb"})
	assert.Equal(t, KindMissingCredentials, res.Failure.Kind)
}

func TestFuncReturnsEmptyTextInMockMode(t *testing.T) {
	a := newAdapter(t, nil)
	text, mock := a.Func("tasks")(context.Background(), "p")
	assert.True(t, mock)
	assert.Empty(t, text)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{ErrEmpty, KindEmpty},
		{ErrBlocked, KindBlocked},
		{errors.New("429 Too Many Requests"), KindRateLimited},
		{errors.New("RESOURCE_EXHAUSTED: quota"), KindRateLimited},
		{errors.New("403 Forbidden"), KindAuth},
		{errors.New("invalid x-api-key"), KindAuth},
		{errors.New("404 model not found"), KindModelNotFound},
		{errors.New("dial tcp: no such host"), KindNetwork},
		{errors.New("something odd"), KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}
