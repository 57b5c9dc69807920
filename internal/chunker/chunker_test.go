package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/provider"
)

func loadTable(t *testing.T) *category.Table {
	t.Helper()
	table, err := category.Load()
	if err != nil {
		t.Fatalf("category.Load: %v", err)
	}
	return table
}

// makeWords builds n unique filler words that trip no chunk-type or
// category keyword heuristics.
func makeWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%04d", i)
	}
	return words
}

func TestChunkOverlap(t *testing.T) {
	words := makeWords(900)
	var paragraphs []string
	for i := 0; i < 9; i++ {
		paragraphs = append(paragraphs, strings.Join(words[i*100:(i+1)*100], " "))
	}
	text := "# Quiet Enjoyment\n" + strings.Join(paragraphs, "\n\n")

	c := New(loadTable(t), 400, 50)
	chunks, err := c.Chunk([]provider.Page{{Index: 3, Text: text}})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	sizes := []int{400, 350, 250}
	for i, want := range sizes {
		got := len(strings.Fields(chunks[i].Content))
		if got != want {
			t.Fatalf("chunk %d: expected %d words, got %d", i+1, want, got)
		}
	}

	firstWords := strings.Fields(chunks[0].Content)
	tail := strings.Join(firstWords[len(firstWords)-50:], " ")
	if !strings.HasPrefix(chunks[1].Content, tail) {
		t.Fatalf("chunk 2 should begin with the last 50 words of chunk 1")
	}
}

func TestChunkOrderContiguous(t *testing.T) {
	pages := []provider.Page{
		{Index: 1, Text: "# Alpha\n" + strings.Join(makeWords(500), " ")},
		{Index: 2, Text: "# Beta\nshort body here.\n\n# Gamma\nanother body."},
	}
	c := New(loadTable(t), 400, 50)
	chunks, err := c.Chunk(pages)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	for i, ch := range chunks {
		if ch.ChunkOrder != i+1 {
			t.Fatalf("chunk %d has order %d, expected %d", i, ch.ChunkOrder, i+1)
		}
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c := New(loadTable(t), 400, 50)
	if _, err := c.Chunk([]provider.Page{{Index: 1, Text: "   \n\n  "}}); err == nil {
		t.Fatalf("expected error for document with no chunkable text")
	}
}

func TestCitationKeyStable(t *testing.T) {
	a := CitationKey(4, "Security Deposit")
	b := CitationKey(4, "  security deposit ")
	if a != b {
		t.Fatalf("citation key must be stable across whitespace/case: %q vs %q", a, b)
	}
	if a == CitationKey(5, "Security Deposit") {
		t.Fatalf("citation key must vary with page")
	}
	if a == CitationKey(4, "Late Fees") {
		t.Fatalf("citation key must vary with section")
	}
}

func TestClassifyChunkType(t *testing.T) {
	cases := []struct {
		title, body, want string
	}{
		{"Definitions", "Landlord shall mean the owner.", store.ChunkTypeDefinition},
		{"", `"Premises" means the property at 1 Main St.`, store.ChunkTypeDefinition},
		{"Termination Clause", "either party may end this.", store.ChunkTypeClause},
		{"Title Page", "Residential Agreement", store.ChunkTypeHeader},
		{"Background", "the parties wish to cooperate.", store.ChunkTypeGeneral},
	}
	for _, tc := range cases {
		if got := classifyChunkType(tc.title, tc.body); got != tc.want {
			t.Fatalf("classifyChunkType(%q, %q) = %q, expected %q", tc.title, tc.body, got, tc.want)
		}
	}
}

func TestChunkMetadata(t *testing.T) {
	text := "# Rent and Deposit\nThe tenant pays rent monthly. The lease covers the premises."
	c := New(loadTable(t), 400, 50)
	chunks, err := c.Chunk([]provider.Page{{Index: 7, Text: text}})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	md := chunks[0].Metadata
	if md.PageNumber != 7 {
		t.Fatalf("expected page 7, got %d", md.PageNumber)
	}
	if md.SectionTitle != "Rent and Deposit" {
		t.Fatalf("unexpected section title %q", md.SectionTitle)
	}
	if md.DetectedCategory != "real_estate" {
		t.Fatalf("expected real_estate category, got %q", md.DetectedCategory)
	}
	if md.CitationKey != CitationKey(7, "Rent and Deposit") {
		t.Fatalf("citation key mismatch")
	}
}
