// Package provider defines the external model collaborators the
// pipeline consumes: a chat/embedding LLM and a document intelligence
// (OCR) service.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/clausechat/clausechat/provider/docintel"
	openai_provider "github.com/clausechat/clausechat/provider/openai"
)

// Message is a single turn handed to the chat model.
type Message = openai_provider.Message

// LLM is the chat + embedding provider.
type LLM interface {
	// ChatStream sends the conversation and forwards tokens to onToken
	// as they arrive, returning the accumulated completion.
	ChatStream(ctx context.Context, messages []Message, onToken func(token string) error) (string, error)
	// CreateEmbedding returns one vector per input text, in input
	// order. Implementations must never reorder or filter.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Page is one page of extracted document text.
type Page = docintel.Page

// Region is a detected visual region (table, chart, signature).
type Region = docintel.Region

// Annotation is the structured output of the second OCR pass.
type Annotation = docintel.Annotation

// DocumentIntelligence is the OCR collaborator. ExtractText failures
// are transient and retried by the OCR stage; ExtractAnnotations is
// best-effort.
type DocumentIntelligence interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) ([]Page, error)
	ExtractAnnotations(ctx context.Context, data []byte, mimeType string, maxPages int) (Annotation, error)
}

// OpenAIConfig configures the OpenAI-backed LLM client.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
}

// NewOpenAI builds the OpenAI LLM client.
func NewOpenAI(cfg OpenAIConfig) (LLM, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	return openai_provider.NewClient(openai_provider.Options{
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		CompletionModel: cfg.CompletionModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		Temperature:     cfg.Temperature,
		MaxTokens:       cfg.MaxTokens,
		Timeout:         cfg.Timeout,
	}), nil
}

// DocIntelConfig configures the hosted document intelligence client.
type DocIntelConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewDocIntel builds the hosted OCR client.
func NewDocIntel(cfg DocIntelConfig) (DocumentIntelligence, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("docintel endpoint not configured")
	}
	return docintel.NewClient(cfg.Endpoint, cfg.APIKey, cfg.Timeout), nil
}
