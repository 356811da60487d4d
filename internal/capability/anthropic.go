package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// AnthropicConfig configures the Anthropic-backed capabilities.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. Required.
	APIKey string

	// Model is the model for extraction and summarization.
	// Default: "claude-3-5-haiku-latest"
	Model string

	// MaxTokens bounds each response. Default: 2048.
	MaxTokens int64
}

// ApplyDefaults sets default values for unset fields.
func (c *AnthropicConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "claude-3-5-haiku-latest"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
}

// Anthropic implements Extractor and Summarizer on the Anthropic Messages
// API. Anthropic has no embeddings endpoint, so deployments pairing it with
// vector retrieval configure a separate embedder.
type Anthropic struct {
	client anthropic.Client
	config AnthropicConfig
	logger *zap.Logger
}

var (
	_ Extractor  = (*Anthropic)(nil)
	_ Summarizer = (*Anthropic)(nil)
)

// NewAnthropic creates the Anthropic provider.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		config: cfg,
		logger: logger,
	}, nil
}

func (a *Anthropic) complete(ctx context.Context, op, system, user string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: a.config.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", Transient(op, err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", Transient(op, ErrEmptyResponse)
	}
	return sb.String(), nil
}

// Extract implements Extractor.
func (a *Anthropic) Extract(ctx context.Context, req ExtractRequest) ([]Candidate, error) {
	const op = "anthropic.Extract"
	user := req.Content
	if req.Goals != "" {
		user = "Current goals: " + req.Goals + "\n\nContent:\n" + req.Content
	}
	raw, err := a.complete(ctx, op, extractSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Items []extractedItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	candidates := make([]Candidate, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Text == "" {
			continue
		}
		c := Candidate{
			Text:       item.Text,
			Confidence: clamp01(item.Confidence),
			Stable:     item.Stable,
			Categories: item.Categories,
		}
		if idx := strings.Index(req.Content, item.Quote); item.Quote != "" && idx >= 0 {
			c.Evidence.Offset = idx
			c.Evidence.Length = len(item.Quote)
		}
		candidates = append(candidates, c)
	}
	if req.MaxCandidates > 0 && len(candidates) > req.MaxCandidates {
		candidates = candidates[:req.MaxCandidates]
	}
	return candidates, nil
}

// Summarize implements Summarizer.
func (a *Anthropic) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	const op = "anthropic.Summarize"
	var sb strings.Builder
	sb.WriteString(req.Instruction)
	sb.WriteString("\n\n")
	if req.Existing != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(req.Existing)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Facts:\n")
	for _, t := range req.Texts {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteString("\n")
	}
	out, err := a.complete(ctx, op,
		"You write concise summaries. Respond with the summary only, at most three sentences.",
		sb.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
