// Package retriever answers "which chunks support this question" with a
// cascading search: hybrid lexical+vector, then vector-only, then
// query-keyword, then category-keyword. Tiers are tried strictly in
// order and the first tier with results wins, so better-quality signals
// always take precedence.
package retriever

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/blevesearch/bleve"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/store"
)

// Tier names, reported with results for observability.
const (
	TierHybrid          = "hybrid"
	TierVector          = "vector"
	TierKeyword         = "keyword"
	TierCategoryKeyword = "category_keyword"
	TierNone            = "none"
)

// NominalKeywordSimilarity is attached to keyword-tier hits, which have
// no true ranking signal.
const NominalKeywordSimilarity = 0.3

const rrfK = 60 // reciprocal-rank-fusion constant

var tracer = otel.Tracer("retriever")

// Store is the persistence slice the retriever needs. Every method is
// scoped by document and owner.
type Store interface {
	GetDocument(ctx context.Context, id, ownerID string) (store.Document, error)
	ListChunksByDocument(ctx context.Context, documentID, ownerID string) ([]store.ChunkRecord, error)
	VectorSearchChunks(ctx context.Context, documentID, ownerID string, vector []float32, floor float64, limit int) ([]store.ChunkSearchResult, error)
	KeywordSearchChunks(ctx context.Context, documentID, ownerID string, words []string, nominal float64, limit int) ([]store.ChunkSearchResult, error)
}

// Embedder embeds the expanded query.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options carries the retrieval tunables.
type Options struct {
	SimilarityFloor float64
	HybridLimit     int
	KeywordLimit    int
	CategoryLimit   int
}

// Result is the outcome of one retrieval pass.
type Result struct {
	Chunks   []store.ChunkSearchResult
	Tier     string
	Category string
}

// Retriever runs the cascade.
type Retriever struct {
	store    Store
	embedder Embedder
	table    *category.Table
	opts     Options
	logger   *log.Logger
}

func New(st Store, embedder Embedder, table *category.Table, opts Options, logger *log.Logger) *Retriever {
	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = 0.15
	}
	if opts.HybridLimit <= 0 {
		opts.HybridLimit = 15
	}
	if opts.KeywordLimit <= 0 {
		opts.KeywordLimit = 10
	}
	if opts.CategoryLimit <= 0 {
		opts.CategoryLimit = 10
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETR] ", log.LstdFlags)
	}
	return &Retriever{store: st, embedder: embedder, table: table, opts: opts, logger: logger}
}

// Retrieve returns ranked supporting chunks for the query, empty only
// after every tier has been exhausted. Ownership is verified before any
// search work.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, documentID, query string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	doc, err := r.store.GetDocument(ctx, documentID, ownerID)
	if err != nil {
		return Result{}, err
	}

	cat := r.documentCategory(doc)
	expanded := r.expandQuery(query, cat)
	span.SetAttributes(attribute.String("category", cat))

	res, err := r.cascade(ctx, documentID, ownerID, query, expanded, cat)
	if err == nil {
		tierHits.WithLabelValues(res.Tier).Inc()
		span.SetAttributes(attribute.String("tier", res.Tier))
	}
	return res, err
}

func (r *Retriever) cascade(ctx context.Context, documentID, ownerID, query, expanded, cat string) (Result, error) {

	// Tier 1: hybrid lexical + vector.
	vectorHits, vectorErr := r.vectorSearch(ctx, documentID, ownerID, expanded)
	if hits, err := r.hybridSearch(ctx, documentID, ownerID, expanded, vectorHits); err != nil {
		r.logger.Printf("hybrid tier unavailable for document %s: %v", documentID, err)
	} else if len(hits) > 0 {
		return Result{Chunks: hits, Tier: TierHybrid, Category: cat}, nil
	}

	// Tier 2: vector-only fallback.
	if vectorErr != nil {
		r.logger.Printf("vector tier failed for document %s: %v", documentID, vectorErr)
	} else if len(vectorHits) > 0 {
		return Result{Chunks: vectorHits, Tier: TierVector, Category: cat}, nil
	}

	// Tier 3: keyword fallback from the raw query.
	words := ContentWords(query, 5)
	hits, err := r.store.KeywordSearchChunks(ctx, documentID, ownerID, words, NominalKeywordSimilarity, r.opts.KeywordLimit)
	if err != nil {
		r.logger.Printf("keyword tier failed for document %s: %v", documentID, err)
	} else if len(hits) > 0 {
		return Result{Chunks: hits, Tier: TierKeyword, Category: cat}, nil
	}

	// Tier 4: category-keyword fallback guarantees some context when
	// the document has any matching content at all.
	hits, err = r.store.KeywordSearchChunks(ctx, documentID, ownerID, r.table.Keywords(cat), NominalKeywordSimilarity, r.opts.CategoryLimit)
	if err != nil {
		return Result{}, fmt.Errorf("category keyword search: %w", err)
	}
	if len(hits) > 0 {
		return Result{Chunks: hits, Tier: TierCategoryKeyword, Category: cat}, nil
	}

	return Result{Tier: TierNone, Category: cat}, nil
}

// documentCategory reads the stored category or re-derives it from the
// filename when processing never recorded one.
func (r *Retriever) documentCategory(doc store.Document) string {
	if v, ok := doc.Metadata["detected_category"].(string); ok && v != "" {
		return v
	}
	return r.table.Detect(doc.Filename)
}

// expandQuery appends category vocabulary hints to improve recall
// without altering the user-visible question.
func (r *Retriever) expandQuery(query, cat string) string {
	hints := r.table.QueryHints(cat)
	if len(hints) == 0 {
		return query
	}
	return query + " " + strings.Join(hints, " ")
}

func (r *Retriever) vectorSearch(ctx context.Context, documentID, ownerID, expanded string) ([]store.ChunkSearchResult, error) {
	vecs, err := r.embedder.CreateEmbedding(ctx, []string{expanded})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vecs))
	}
	return r.store.VectorSearchChunks(ctx, documentID, ownerID, vecs[0], r.opts.SimilarityFloor, r.opts.HybridLimit)
}

// hybridSearch fuses an in-memory lexical index over the document's
// chunks with the vector hits using reciprocal-rank fusion. Fused hits
// report the vector similarity when the vector leg saw them, otherwise
// a lexical score scaled into the keyword range.
func (r *Retriever) hybridSearch(ctx context.Context, documentID, ownerID, expanded string, vectorHits []store.ChunkSearchResult) ([]store.ChunkSearchResult, error) {
	chunks, err := r.store.ListChunksByDocument(ctx, documentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("build lexical index: %w", err)
	}
	defer index.Close()

	byID := make(map[string]store.ChunkRecord, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
		if err := index.Index(ch.ID, map[string]interface{}{
			"content": ch.Content,
			"section": ch.Metadata.SectionTitle,
		}); err != nil {
			return nil, fmt.Errorf("index chunk %s: %w", ch.ID, err)
		}
	}

	searchReq := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(escapeQuery(expanded)), r.opts.HybridLimit*3, 0, false)
	res, err := index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	type agg struct {
		hit   store.ChunkSearchResult
		fused float64
	}
	m := map[string]*agg{}
	for rank, hit := range res.Hits {
		ch, ok := byID[hit.ID]
		if !ok {
			continue
		}
		m[hit.ID] = &agg{
			hit:   store.ChunkSearchResult{Chunk: ch, Similarity: NominalKeywordSimilarity},
			fused: 1.0 / float64(rrfK+rank+1),
		}
	}
	for rank, vh := range vectorHits {
		if x, ok := m[vh.Chunk.ID]; ok {
			x.fused += 1.0 / float64(rrfK+rank+1)
			x.hit.Similarity = vh.Similarity
		} else {
			m[vh.Chunk.ID] = &agg{hit: vh, fused: 1.0 / float64(rrfK+rank+1)}
		}
	}
	if len(m) == 0 {
		return nil, nil
	}

	fused := make([]*agg, 0, len(m))
	for _, v := range m {
		fused = append(fused, v)
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].fused > fused[j].fused })
	limit := r.opts.HybridLimit
	if limit > len(fused) {
		limit = len(fused)
	}
	out := make([]store.ChunkSearchResult, 0, limit)
	for _, v := range fused[:limit] {
		out = append(out, v.hit)
	}
	return out, nil
}

// ContentWords extracts up to max words longer than two characters from
// the raw query, lowercased, for substring matching.
func ContentWords(query string, max int) []string {
	var words []string
	seen := map[string]bool{}
	for _, field := range strings.Fields(strings.ToLower(query)) {
		word := strings.Trim(field, ".,;:!?\"'()[]{}")
		if len(word) <= 2 || seen[word] {
			continue
		}
		seen[word] = true
		words = append(words, word)
		if len(words) >= max {
			break
		}
	}
	return words
}

// escapeQuery strips query-string syntax characters so user text never
// breaks the lexical parser.
func escapeQuery(q string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', '-', '"', '^', '~', '*', '?', ':', '\\', '/':
			return ' '
		default:
			return r
		}
	}, q)
}
