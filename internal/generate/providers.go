package generate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	ollama "github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"google.golang.org/genai"
)

// Options are per-call sampling settings.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Provider is one text-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model, prompt string, opts Options) (string, error)
}

// Credentials holds API keys read from the environment.
type Credentials struct {
	Gemini    string
	Anthropic string
	OpenAI    string
}

// NewProvider builds the named provider. A provider without credentials
// returns a missing-credentials error so the adapter runs in mock mode.
func NewProvider(name string, creds Credentials, ollamaHost string) (Provider, error) {
	switch name {
	case "gemini":
		if creds.Gemini == "" {
			return nil, missingCredentialsError{provider: name}
		}
		return &Gemini{APIKey: creds.Gemini}, nil
	case "anthropic":
		if creds.Anthropic == "" {
			return nil, missingCredentialsError{provider: name}
		}
		return &Anthropic{client: anthropic.NewClient(anthropicoption.WithAPIKey(creds.Anthropic))}, nil
	case "openai":
		if creds.OpenAI == "" {
			return nil, missingCredentialsError{provider: name}
		}
		return &OpenAI{client: openai.NewClient(openaioption.WithAPIKey(creds.OpenAI))}, nil
	case "ollama":
		u, err := url.Parse(ollamaHost)
		if err != nil || ollamaHost == "" {
			return nil, fmt.Errorf("invalid ollama host %q", ollamaHost)
		}
		return &Ollama{client: ollama.NewClient(u, http.DefaultClient)}, nil
	case "none", "":
		return nil, missingCredentialsError{provider: "none"}
	}
	return nil, fmt.Errorf("unknown generator provider %q", name)
}

// Gemini calls the Gemini API. The client is created on first use.
type Gemini struct {
	APIKey string
	client *genai.Client
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return "", fmt.Errorf("create gemini client: %w", err)
		}
		g.client = client
	}
	temp := float32(opts.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(opts.MaxTokens),
	}
	result, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
	if err != nil {
		return "", err
	}
	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return "", ErrBlocked
	}
	return result.Text(), nil
}

type Anthropic struct {
	client anthropic.Client
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(opts.MaxTokens),
		Temperature: anthropic.Float(opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", ErrEmpty
	}
	if resp.StopReason == "refusal" {
		return "", ErrBlocked
	}
	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

type OpenAI struct {
	client openai.Client
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(opts.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.OutputText(), nil
}

type Ollama struct {
	client *ollama.Client
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	stream := false
	req := &ollama.ChatRequest{
		Model:    model,
		Messages: []ollama.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
	var out strings.Builder
	err := o.client.Chat(ctx, req, func(resp ollama.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}
