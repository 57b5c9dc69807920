// Package synth turns retrieved chunks plus conversation history into a
// streamed, citation-grounded answer. The system prompt enforces a
// two-lane structure: document-grounded claims carry inline page/section
// citations or move to the "missing" lane, and general guidance never
// borrows document citations.
package synth

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/provider"
)

var tracer = otel.Tracer("synth")

// LLM streams chat completions.
type LLM interface {
	ChatStream(ctx context.Context, messages []provider.Message, onToken func(string) error) (string, error)
}

// MessageStore persists the finished assistant turn.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (store.ChatMessage, error)
}

// Request is everything one chat turn needs.
type Request struct {
	SessionID string
	Document  store.Document
	Category  string
	Tier      string
	Chunks    []store.ChunkSearchResult
	History   []store.ChatMessage
	Question  string
}

// Synthesizer builds prompts, streams the model, and persists the final
// assistant message exactly once.
type Synthesizer struct {
	llm       LLM
	messages  MessageStore
	table     *category.Table
	maxBlocks int
	logger    *log.Logger
}

func New(llm LLM, messages MessageStore, table *category.Table, maxBlocks int, logger *log.Logger) *Synthesizer {
	if maxBlocks <= 0 {
		maxBlocks = 12
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	return &Synthesizer{llm: llm, messages: messages, table: table, maxBlocks: maxBlocks, logger: logger}
}

// Answer streams the model's tokens through onToken and, only after the
// stream finished cleanly, persists the assistant message. A cancelled
// or failed stream persists nothing, so the caller can retry the turn
// without a half-written row.
func (s *Synthesizer) Answer(ctx context.Context, req Request, onToken func(string) error) (store.ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "Synthesizer.Answer")
	defer span.End()

	messages := s.buildMessages(req)
	full, err := s.llm.ChatStream(ctx, messages, onToken)
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("chat stream: %w", err)
	}
	if strings.TrimSpace(full) == "" {
		return store.ChatMessage{}, fmt.Errorf("model returned an empty answer")
	}

	msg, err := s.messages.AppendMessage(ctx, req.SessionID, store.RoleAssistant, full, map[string]interface{}{
		"retrieval_tier": req.Tier,
		"context_chunks": len(req.Chunks),
		"category":       req.Category,
	})
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("persist assistant message: %w", err)
	}
	return msg, nil
}

func (s *Synthesizer) buildMessages(req Request) []provider.Message {
	messages := make([]provider.Message, 0, len(req.History)+2)
	messages = append(messages, provider.Message{Role: "system", Content: s.SystemPrompt(req)})
	for _, h := range req.History {
		role := h.Role
		if role != store.RoleUser && role != store.RoleAssistant {
			continue
		}
		messages = append(messages, provider.Message{Role: role, Content: h.Content})
	}
	return append(messages, provider.Message{Role: "user", Content: req.Question})
}

// SystemPrompt renders the full instruction block: identity, the exact
// response headings, the citation contract, the numbered context blocks,
// and any category guidance.
func (s *Synthesizer) SystemPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a contract analysis assistant answering questions about the document %q", req.Document.Filename)
	if req.Category != "" && req.Category != category.General {
		fmt.Fprintf(&b, " (detected category: %s)", req.Category)
	}
	b.WriteString(".\n\n")

	b.WriteString("Structure every response under exactly these markdown headings, in this order:\n")
	b.WriteString("### From your document\n")
	b.WriteString("### Missing or unclear from the document\n")
	b.WriteString("### General guidance (non-document)\n")
	b.WriteString("### Where to look in the document\n\n")

	b.WriteString("Citation rules, which are strict:\n")
	b.WriteString("- Every sentence under \"From your document\" must end with an inline citation in the form [p{page}, \"{section}\"], using the page and section of the context block that supports it.\n")
	b.WriteString("- If a claim is not directly supported by one of the context blocks below, it must not appear under \"From your document\". List what you could not verify under \"Missing or unclear from the document\" instead.\n")
	b.WriteString("- Never use outside knowledge under \"From your document\".\n")
	b.WriteString("- Never attach document citations to anything under \"General guidance (non-document)\". That lane is for general legal or practical context only.\n\n")

	blocks := req.Chunks
	if len(blocks) > s.maxBlocks {
		blocks = blocks[:s.maxBlocks]
	}
	if len(blocks) == 0 {
		b.WriteString("No passages from the document matched this question. Say so plainly under \"From your document\" (a single sentence, no citation needed), explain what was searched for under \"Missing or unclear from the document\", and do not invent document content.\n")
	} else {
		b.WriteString("Context from the document:\n\n")
		for i, res := range blocks {
			fmt.Fprintf(&b, "[#%d] p%d :: %q\n%s\n\n",
				i+1, res.Chunk.Metadata.PageNumber, res.Chunk.Metadata.SectionTitle, res.Chunk.Content)
		}
	}

	if suffix := s.table.PromptSuffix(req.Category); suffix != "" {
		b.WriteString("\n")
		b.WriteString(suffix)
		b.WriteString("\n")
	}
	return b.String()
}
