package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI-backed capabilities.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string

	// ChatModel is the model for extraction and summarization.
	// Default: "gpt-4o-mini"
	ChatModel string

	// EmbeddingDimensions is the embedding size. Default: 1536.
	EmbeddingDimensions int
}

// ApplyDefaults sets default values for unset fields.
func (c *OpenAIConfig) ApplyDefaults() {
	if c.ChatModel == "" {
		c.ChatModel = "gpt-4o-mini"
	}
	if c.EmbeddingDimensions == 0 {
		c.EmbeddingDimensions = 1536
	}
}

// OpenAI implements Extractor, Embedder, and Summarizer on the OpenAI API.
type OpenAI struct {
	client *openai.Client
	config OpenAIConfig
	logger *zap.Logger
}

var (
	_ Extractor  = (*OpenAI)(nil)
	_ Embedder   = (*OpenAI)(nil)
	_ Summarizer = (*OpenAI)(nil)
)

// NewOpenAI creates the OpenAI provider.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		logger: logger,
	}, nil
}

const extractSystemPrompt = `You extract reusable memory items from content.
Return strict JSON: {"items":[{"text":"...","quote":"...","confidence":0.0,"stable":false,"categories":["..."]}]}
Rules:
- "text" is a self-contained fact, understandable without the source.
- "quote" is a verbatim substring of the source supporting the fact.
- "confidence" is your extraction reliability in [0,1].
- "stable" is true for durable facts (preferences, biography), false for situational ones.
- "categories" are 1-2 short lowercase topic names.
Extract only facts worth remembering across sessions. Return {"items":[]} if none.`

type extractedItem struct {
	Text       string   `json:"text"`
	Quote      string   `json:"quote"`
	Confidence float64  `json:"confidence"`
	Stable     bool     `json:"stable"`
	Categories []string `json:"categories"`
}

// Extract implements Extractor.
func (o *OpenAI) Extract(ctx context.Context, req ExtractRequest) ([]Candidate, error) {
	const op = "openai.Extract"
	user := req.Content
	if req.Goals != "" {
		user = "Current goals: " + req.Goals + "\n\nContent:\n" + req.Content
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.config.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, Transient(op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(op, ErrEmptyResponse)
	}
	var parsed struct {
		Items []extractedItem `json:"items"`
	}
	raw := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
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

// EmbedDocuments implements Embedder.
func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "openai.EmbedDocuments"
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.AdaEmbeddingV2,
	})
	if err != nil {
		return nil, Transient(op, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// EmbedQuery implements Embedder.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimension implements Embedder.
func (o *OpenAI) Dimension() int { return o.config.EmbeddingDimensions }

// Summarize implements Summarizer.
func (o *OpenAI) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	const op = "openai.Summarize"
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
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.config.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You write concise summaries. Respond with the summary only, at most three sentences."},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", Transient(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", Transient(op, ErrEmptyResponse)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// stripCodeFence removes a markdown code fence wrapper if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
