// Package chunker splits page-indexed document text into
// heading-bounded, word-budgeted, overlapping chunks tagged with
// retrieval metadata.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/provider"
)

// Chunker carries the chunking tunables and the category table.
type Chunker struct {
	table        *category.Table
	targetWords  int
	overlapWords int
}

// New builds a chunker. Zero tunables fall back to the defaults the
// retrieval quality was tuned against (400-word chunks, 50-word
// overlap).
func New(table *category.Table, targetWords, overlapWords int) *Chunker {
	if targetWords <= 0 {
		targetWords = 400
	}
	if overlapWords < 0 {
		overlapWords = 0
	}
	if overlapWords >= targetWords {
		overlapWords = targetWords / 4
	}
	return &Chunker{table: table, targetWords: targetWords, overlapWords: overlapWords}
}

type section struct {
	page  int
	title string
	body  string
}

// Chunk produces ordered chunks for a whole document. chunk_order is
// global, 1-based and contiguous. Zero chunks is an error: a document
// that yields no text cannot be embedded.
func (c *Chunker) Chunk(pages []provider.Page) ([]store.ChunkRecord, error) {
	var chunks []store.ChunkRecord
	order := 0
	for _, page := range pages {
		for _, sec := range splitSections(page.Index, page.Text) {
			secChunks := c.chunkSection(sec, &order)
			chunks = append(chunks, secChunks...)
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document produced no chunks")
	}
	return chunks, nil
}

// splitSections breaks one page into heading-bounded sections. A
// heading is a line starting with one or more '#' markers; any text
// before the first heading forms an untitled section.
func splitSections(pageIndex int, text string) []section {
	var sections []section
	cur := section{page: pageIndex}
	flush := func() {
		if strings.TrimSpace(cur.body) != "" || cur.title != "" {
			sections = append(sections, cur)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			cur = section{page: pageIndex, title: strings.TrimSpace(strings.TrimLeft(trimmed, "# "))}
			continue
		}
		cur.body += line + "\n"
	}
	flush()
	return sections
}

// chunkSection accumulates blank-line-delimited paragraphs into chunks
// bounded by the word budget, seeding each follow-up chunk with the
// trailing overlap words of its predecessor.
func (c *Chunker) chunkSection(sec section, order *int) []store.ChunkRecord {
	paragraphs := splitParagraphs(sec.body)
	if len(paragraphs) == 0 && sec.title == "" {
		return nil
	}

	detected := c.table.Detect(sec.title + " " + sec.body)
	chunkType := classifyChunkType(sec.title, sec.body)
	citation := CitationKey(sec.page, sec.title)

	var out []store.ChunkRecord
	emit := func(words []string) {
		if len(words) == 0 {
			return
		}
		*order++
		out = append(out, store.ChunkRecord{
			ChunkOrder: *order,
			Content:    strings.Join(words, " "),
			Metadata: store.ChunkMetadata{
				PageNumber:       sec.page,
				SectionTitle:     sec.title,
				DetectedCategory: detected,
				ChunkType:        chunkType,
				CitationKey:      citation,
			},
		})
	}

	var buffer []string
	for _, para := range paragraphs {
		words := strings.Fields(para)
		if len(buffer) > 0 && len(buffer)+len(words) > c.targetWords {
			emit(buffer)
			overlap := c.overlapWords
			if overlap > len(buffer) {
				overlap = len(buffer)
			}
			buffer = append([]string(nil), buffer[len(buffer)-overlap:]...)
		}
		buffer = append(buffer, words...)
	}
	emit(buffer)

	// A heading with no body still anchors citations for its page.
	if len(out) == 0 && sec.title != "" {
		emit(strings.Fields(sec.title))
	}
	return out
}

func splitParagraphs(body string) []string {
	var paragraphs []string
	for _, para := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(para) != "" {
			paragraphs = append(paragraphs, para)
		}
	}
	return paragraphs
}

// classifyChunkType applies the title/content heuristics for chunk
// typing; order matters, definitions win over clauses.
func classifyChunkType(title, body string) string {
	lowerTitle := strings.ToLower(title)
	lower := lowerTitle + " " + strings.ToLower(body)
	switch {
	case strings.Contains(lower, "definition"), strings.Contains(lower, "shall mean"), strings.Contains(lower, " means "):
		return store.ChunkTypeDefinition
	case strings.Contains(lower, "clause"), strings.Contains(lower, "section"), strings.Contains(lower, "article"), strings.Contains(lower, " term"):
		return store.ChunkTypeClause
	case strings.Contains(lowerTitle, "header"), strings.Contains(lowerTitle, "title"):
		return store.ChunkTypeHeader
	default:
		return store.ChunkTypeGeneral
	}
}

// CitationKey derives the stable citation identity for a page+section
// pair. Re-chunking the same source always produces the same key.
func CitationKey(page int, sectionTitle string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("p%d::%s", page, strings.TrimSpace(strings.ToLower(sectionTitle)))))
	return hex.EncodeToString(sum[:8])
}
