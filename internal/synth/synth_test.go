package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/provider"
)

type scriptedLLM struct {
	tokens []string
	err    error

	gotMessages []provider.Message
}

func (s *scriptedLLM) ChatStream(_ context.Context, messages []provider.Message, onToken func(string) error) (string, error) {
	s.gotMessages = messages
	var full strings.Builder
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return "", err
		}
		full.WriteString(tok)
	}
	if s.err != nil {
		return "", s.err
	}
	return full.String(), nil
}

type recordingMessages struct {
	appended []store.ChatMessage
}

func (r *recordingMessages) AppendMessage(_ context.Context, sessionID, role, content string, metadata map[string]interface{}) (store.ChatMessage, error) {
	msg := store.ChatMessage{
		ID:             fmt.Sprintf("m-%d", len(r.appended)+1),
		SessionID:      sessionID,
		Role:           role,
		Content:        content,
		SequenceNumber: len(r.appended) + 1,
		Metadata:       metadata,
	}
	r.appended = append(r.appended, msg)
	return msg, nil
}

func newTestSynth(t *testing.T, llm LLM, messages MessageStore) *Synthesizer {
	t.Helper()
	table, err := category.Load()
	if err != nil {
		t.Fatalf("category.Load: %v", err)
	}
	return New(llm, messages, table, 12, nil)
}

func baseRequest() Request {
	return Request{
		SessionID: "s-1",
		Document:  store.Document{ID: "doc-1", Filename: "lease.pdf"},
		Category:  "real_estate",
		Tier:      "hybrid",
		Chunks: []store.ChunkSearchResult{
			{
				Chunk: store.ChunkRecord{
					Content:  "No pets are allowed on the premises.",
					Metadata: store.ChunkMetadata{PageNumber: 4, SectionTitle: "House Rules"},
				},
				Similarity: 0.8,
			},
		},
		Question: "Are pets allowed?",
	}
}

func TestSystemPromptContract(t *testing.T) {
	s := newTestSynth(t, &scriptedLLM{}, &recordingMessages{})
	prompt := s.SystemPrompt(baseRequest())

	for _, heading := range []string{
		"### From your document",
		"### Missing or unclear from the document",
		"### General guidance (non-document)",
		"### Where to look in the document",
	} {
		if !strings.Contains(prompt, heading) {
			t.Fatalf("prompt missing heading %q", heading)
		}
	}
	if !strings.Contains(prompt, `[p{page}, "{section}"]`) {
		t.Fatalf("prompt must state the inline citation format")
	}
	// Cite-or-silence: unsupported claims are excluded from the
	// document lane and surfaced as missing instead.
	if !strings.Contains(prompt, `must not appear under "From your document"`) {
		t.Fatalf("prompt must exclude unsupported claims from the document lane")
	}
	if !strings.Contains(prompt, `Missing or unclear from the document" instead`) {
		t.Fatalf("prompt must redirect unsupported claims to the missing lane")
	}
	if !strings.Contains(prompt, `Never use outside knowledge under "From your document"`) {
		t.Fatalf("prompt must forbid outside knowledge in the document lane")
	}
	if !strings.Contains(prompt, `Never attach document citations to anything under "General guidance`) {
		t.Fatalf("prompt must forbid citations in the general lane")
	}
	if !strings.Contains(prompt, "[#1] p4 :: \"House Rules\"\nNo pets are allowed on the premises.") {
		t.Fatalf("prompt must render numbered labeled context blocks:\n%s", prompt)
	}
	if !strings.Contains(prompt, "real estate document") {
		t.Fatalf("prompt must include the category guidance suffix")
	}
}

func TestSystemPromptCapsContextBlocks(t *testing.T) {
	s := newTestSynth(t, &scriptedLLM{}, &recordingMessages{})
	req := baseRequest()
	req.Chunks = nil
	for i := 1; i <= 20; i++ {
		req.Chunks = append(req.Chunks, store.ChunkSearchResult{
			Chunk: store.ChunkRecord{
				Content:  fmt.Sprintf("block body %d", i),
				Metadata: store.ChunkMetadata{PageNumber: i, SectionTitle: "S"},
			},
		})
	}
	prompt := s.SystemPrompt(req)
	if !strings.Contains(prompt, "[#12]") {
		t.Fatalf("expected 12th context block")
	}
	if strings.Contains(prompt, "[#13]") {
		t.Fatalf("context blocks must be capped at 12")
	}
}

func TestSystemPromptEmptyContext(t *testing.T) {
	s := newTestSynth(t, &scriptedLLM{}, &recordingMessages{})
	req := baseRequest()
	req.Chunks = nil
	prompt := s.SystemPrompt(req)
	if !strings.Contains(prompt, "No passages from the document matched") {
		t.Fatalf("empty context must instruct the model to say so")
	}
	if !strings.Contains(prompt, "do not invent document content") {
		t.Fatalf("empty context must forbid hallucinated content")
	}
	if strings.Contains(prompt, "[#1]") {
		t.Fatalf("empty context must not render context blocks")
	}
}

func TestAnswerStreamsAndPersistsOnce(t *testing.T) {
	llm := &scriptedLLM{tokens: []string{"No ", "pets ", "allowed."}}
	messages := &recordingMessages{}
	s := newTestSynth(t, llm, messages)

	var streamed strings.Builder
	req := baseRequest()
	req.History = []store.ChatMessage{
		{Role: store.RoleUser, Content: "earlier question"},
		{Role: store.RoleAssistant, Content: "earlier answer"},
	}
	msg, err := s.Answer(context.Background(), req, func(tok string) error {
		streamed.WriteString(tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if streamed.String() != "No pets allowed." {
		t.Fatalf("streamed %q", streamed.String())
	}
	if len(messages.appended) != 1 {
		t.Fatalf("expected exactly one persisted message, got %d", len(messages.appended))
	}
	if msg.Role != store.RoleAssistant || msg.Content != "No pets allowed." {
		t.Fatalf("unexpected persisted message %+v", msg)
	}
	if msg.Metadata["retrieval_tier"] != "hybrid" {
		t.Fatalf("expected tier in metadata, got %v", msg.Metadata)
	}

	// system + 2 history turns + user question
	if len(llm.gotMessages) != 4 {
		t.Fatalf("expected 4 messages to the model, got %d", len(llm.gotMessages))
	}
	if llm.gotMessages[0].Role != "system" || llm.gotMessages[3].Content != req.Question {
		t.Fatalf("unexpected message layout %+v", llm.gotMessages)
	}
}

func TestAnswerFailedStreamPersistsNothing(t *testing.T) {
	llm := &scriptedLLM{tokens: []string{"partial "}, err: errors.New("stream died")}
	messages := &recordingMessages{}
	s := newTestSynth(t, llm, messages)

	_, err := s.Answer(context.Background(), baseRequest(), func(string) error { return nil })
	if err == nil {
		t.Fatalf("expected stream error")
	}
	if len(messages.appended) != 0 {
		t.Fatalf("a failed stream must not persist a partial assistant message")
	}
}
