package generate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies why generation fell back.
type Kind string

const (
	KindMissingCredentials Kind = "missing_credentials"
	KindAuth               Kind = "auth"
	KindRateLimited        Kind = "rate_limited"
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindEmpty              Kind = "empty"
	KindBlocked            Kind = "blocked"
	KindBadRequest         Kind = "bad_request"
	KindModelNotFound      Kind = "model_not_found"
	KindUnknown            Kind = "unknown"
)

var safeMessages = map[Kind]string{
	KindMissingCredentials: "the text generator is not configured",
	KindAuth:               "the text generator rejected our credentials",
	KindRateLimited:        "the text generator is over its quota",
	KindNetwork:            "the text generator could not be reached",
	KindTimeout:            "the text generator took too long to answer",
	KindEmpty:              "the text generator returned nothing",
	KindBlocked:            "the text generator declined to answer",
	KindBadRequest:         "the text generator rejected the request",
	KindModelNotFound:      "the configured model is not available",
	KindUnknown:            "the text generator failed",
}

// Failure is the sanitized reason a Result is in mock mode. It never
// carries provider error text.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func failure(k Kind) *Failure {
	return &Failure{Kind: k, Message: safeMessages[k]}
}

// retryable reports whether the same model may succeed on a later attempt.
func (k Kind) retryable() bool {
	switch k {
	case KindRateLimited, KindNetwork, KindTimeout, KindEmpty, KindUnknown:
		return true
	}
	return false
}

// fatal failures make every other model variant pointless too.
func (k Kind) fatal() bool {
	return k == KindAuth || k == KindMissingCredentials
}

var (
	ErrEmpty = errors.New("empty completion")
	// ErrBlocked marks completions withheld by provider safety filters.
	ErrBlocked = errors.New("completion blocked")
)

var statusPattern = regexp.MustCompile(`\b(400|401|403|404|408|429|500|502|503|504)\b`)

// Classify maps a provider error onto a Kind using status codes when the
// SDK exposes them in the message and text patterns otherwise.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmpty):
		return KindEmpty
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	if m := statusPattern.FindString(msg); m != "" {
		code, _ := strconv.Atoi(m)
		switch code {
		case 401, 403:
			return KindAuth
		case 404:
			return KindModelNotFound
		case 408:
			return KindTimeout
		case 429:
			return KindRateLimited
		case 400:
			return KindBadRequest
		case 500, 502, 503, 504:
			return KindNetwork
		}
	}
	switch {
	case containsAny(msg, "quota", "rate limit", "resource_exhausted", "too many requests"):
		return KindRateLimited
	case containsAny(msg, "api key", "unauthorized", "permission denied", "unauthenticated", "invalid x-api-key"):
		return KindAuth
	case containsAny(msg, "not found", "does not exist", "unknown model"):
		return KindModelNotFound
	case containsAny(msg, "safety", "blocked", "refus"):
		return KindBlocked
	case containsAny(msg, "timeout", "deadline"):
		return KindTimeout
	case containsAny(msg, "connection", "network", "eof", "reset", "no such host", "dial"):
		return KindNetwork
	case containsAny(msg, "invalid", "malformed", "too large"):
		return KindBadRequest
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type missingCredentialsError struct{ provider string }

func (e missingCredentialsError) Error() string {
	return fmt.Sprintf("%s: no API key configured", e.provider)
}
