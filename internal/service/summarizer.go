package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jjenkins/billsync/internal/model"
)

// LLM providers
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ErrMalformedSummary is returned when the model reply holds no usable JSON object
var ErrMalformedSummary = errors.New("malformed summary response")

// SummarizerConfig selects the model that writes enrichments
type SummarizerConfig struct {
	Provider        string
	Model           string
	APIKey          string
	OllamaHost      string
	ProducerVersion int
}

// LLMSummarizer produces enrichments with a langchaingo model
type LLMSummarizer struct {
	llm     llms.Model
	version int
}

// NewModel creates an LLM model based on configuration.
func NewModel(cfg SummarizerConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOllama:
		model, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err := anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// NewLLMSummarizer wraps a model. version is stamped on every enrichment.
func NewLLMSummarizer(llm llms.Model, version int) *LLMSummarizer {
	return &LLMSummarizer{llm: llm, version: version}
}

const summarySystemPrompt = `You summarize legislation for policy analysts.
Reply with a single JSON object and nothing else, using these keys:
"summary" (two or three plain sentences), "talking_points" (array of short strings),
"business_impact" (one sentence), "category" (one or two words).`

type summaryReply struct {
	Summary        string   `json:"summary"`
	TalkingPoints  []string `json:"talking_points"`
	BusinessImpact string   `json:"business_impact"`
	Category       string   `json:"category"`
}

// Summarize asks the model for an enrichment of one record
func (s *LLMSummarizer) Summarize(ctx context.Context, title, description, jurisdiction string) (*model.Enrichment, error) {
	userPrompt := fmt.Sprintf("Jurisdiction: %s\nTitle: %s\nDescription: %s", jurisdiction, title, description)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, summarySystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	response, err := s.llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	reply, err := parseSummaryReply(response.Choices[0].Content)
	if err != nil {
		return nil, err
	}

	return &model.Enrichment{
		Summary:         reply.Summary,
		TalkingPoints:   reply.TalkingPoints,
		BusinessImpact:  reply.BusinessImpact,
		Category:        reply.Category,
		ProducerVersion: s.version,
		EnrichedAt:      time.Now(),
	}, nil
}

// parseSummaryReply extracts the JSON object from a reply that may be wrapped in prose or code fences.
func parseSummaryReply(content string) (*summaryReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, ErrMalformedSummary
	}

	var reply summaryReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSummary, err)
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformedSummary)
	}
	return &reply, nil
}
