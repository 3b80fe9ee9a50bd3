// Package generate wraps text-completion providers behind one call that
// never fails: when every model variant is exhausted the caller's fallback
// text is returned in mock mode.
package generate

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"facilitator/internal/config"
	"facilitator/internal/parse"
)

var tracer = otel.Tracer("facilitator/generate")

// Request is one generation call. Purpose labels logs and metrics.
type Request struct {
	Purpose  string
	Prompt   string
	Fallback string
}

type Result struct {
	Text     string
	MockMode bool
	Model    string
	Attempts int
	Failure  *Failure
}

type Adapter struct {
	Provider Provider
	// Unavailable explains a nil Provider.
	Unavailable error
	Models      []string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Options     Options
	Limiter     *rate.Limiter
	Metrics     *Metrics
	Logger      *zap.Logger
}

// CredentialsFromEnv reads provider keys from the usual variables.
func CredentialsFromEnv() Credentials {
	gemini := os.Getenv("GEMINI_API_KEY")
	if gemini == "" {
		gemini = os.Getenv("GOOGLE_API_KEY")
	}
	return Credentials{
		Gemini:    gemini,
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
	}
}

// New builds an adapter from config. A provider that cannot be built is
// not an error; the adapter then answers every request in mock mode.
func New(cfg config.GeneratorConfig, creds Credentials, logger *zap.Logger, reg prometheus.Registerer) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := NewProvider(cfg.Provider, creds, cfg.OllamaHost)
	if err != nil {
		logger.Warn("text generator unavailable, using fallback text", zap.String("provider", cfg.Provider), zap.Error(err))
	}
	a := &Adapter{
		Provider:    p,
		Unavailable: err,
		Models:      cfg.Models,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     500 * time.Millisecond,
		Options:     Options{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature},
		Metrics:     NewMetrics(reg),
		Logger:      logger,
	}
	if cfg.RatePerSecond > 0 {
		a.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return a
}

// Generate tries each model in order. Retryable failures are retried on
// the same model with exponential backoff; auth failures end the request.
func (a *Adapter) Generate(ctx context.Context, req Request) Result {
	ctx, span := tracer.Start(ctx, "generate")
	defer span.End()
	span.SetAttributes(attribute.String("generate.purpose", req.Purpose))

	if a.Provider == nil || len(a.Models) == 0 {
		kind := KindMissingCredentials
		if a.Unavailable != nil && !errors.As(a.Unavailable, new(missingCredentialsError)) {
			kind = KindBadRequest
		}
		return a.fallback(ctx, req, failure(kind), 0)
	}

	attempts := 0
	var last Kind
	for _, model := range a.Models {
		for try := 0; try < a.maxAttempts(); try++ {
			if try > 0 {
				if err := sleep(ctx, a.Backoff<<(try-1)); err != nil {
					return a.fallback(ctx, req, failure(KindTimeout), attempts)
				}
			}
			attempts++
			text, err := a.call(ctx, model, req.Prompt)
			if err == nil {
				span.SetAttributes(attribute.String("generate.model", model), attribute.Int("generate.attempts", attempts))
				return Result{Text: text, Model: model, Attempts: attempts}
			}
			last = Classify(err)
			a.Logger.Warn("generation attempt failed",
				zap.String("purpose", req.Purpose),
				zap.String("model", model),
				zap.Int("attempt", try+1),
				zap.String("kind", string(last)),
				zap.Error(err))
			if last.fatal() {
				return a.fallback(ctx, req, failure(last), attempts)
			}
			if !last.retryable() || ctx.Err() != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if last == "" {
		last = KindUnknown
	}
	return a.fallback(ctx, req, failure(last), attempts)
}

func (a *Adapter) call(ctx context.Context, model, prompt string) (string, error) {
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	provider := a.Provider.Name()
	start := time.Now()
	text, err := a.Provider.Complete(ctx, model, prompt, a.Options)
	if a.Metrics != nil {
		a.Metrics.Latency.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmpty
	}
	if a.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(Classify(err))
		}
		a.Metrics.Calls.WithLabelValues(provider, model, outcome).Inc()
	}
	return text, err
}

func (a *Adapter) fallback(ctx context.Context, req Request, f *Failure, attempts int) Result {
	_, span := tracer.Start(ctx, "generate.fallback")
	span.SetStatus(codes.Error, string(f.Kind))
	span.End()
	if a.Metrics != nil {
		a.Metrics.Fallbacks.WithLabelValues(req.Purpose, string(f.Kind)).Inc()
	}
	return Result{Text: req.Fallback, MockMode: true, Attempts: attempts, Failure: f}
}

func (a *Adapter) maxAttempts() int {
	if a.MaxAttempts < 1 {
		return 1
	}
	return a.MaxAttempts
}

// Func adapts the adapter to a parse ladder. Mock answers carry no text so
// the ladder drops straight to its own fallback.
func (a *Adapter) Func(purpose string) parse.GenerateFunc {
	return func(ctx context.Context, prompt string) (string, bool) {
		res := a.Generate(ctx, Request{Purpose: purpose, Prompt: prompt})
		return res.Text, res.MockMode
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
