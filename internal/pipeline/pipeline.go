// Package pipeline drives the asynchronous document processing chain:
// ingest -> ocr -> embed. Each stage runs as a background unit of work
// tracked by a ProcessingJob; triggering callers get an accepted
// response immediately.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/clausechat/clausechat/internal/blob"
	"github.com/clausechat/clausechat/internal/category"
	"github.com/clausechat/clausechat/internal/chunker"
	"github.com/clausechat/clausechat/internal/ocr"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/provider"
)

// Store is the slice of the relational store the pipeline needs.
type Store interface {
	GetDocument(ctx context.Context, id, ownerID string) (store.Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string) error
	MergeDocumentMetadata(ctx context.Context, id string, patch map[string]interface{}) error
	CreateJob(ctx context.Context, documentID, stage string, input json.RawMessage) (string, error)
	GetJob(ctx context.Context, id string) (store.ProcessingJob, error)
	MarkJobProcessing(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string, output json.RawMessage) error
	FailJob(ctx context.Context, id, message string) error
	PlaceHold(ctx context.Context, documentID, ownerID string) error
	FinalizeProcessing(ctx context.Context, documentID string, success bool) error
	InsertChunks(ctx context.Context, documentID string, chunks []store.ChunkRecord, batchSize int) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
}

// Embedder is the embedding side of the LLM provider.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// OCRJobInput is the envelope handed to the ocr stage.
type OCRJobInput struct {
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mime_type"`
	Filename    string `json:"filename"`
}

// OCRJobOutput summarizes a completed ocr stage.
type OCRJobOutput struct {
	PageCount int `json:"page_count"`
}

// EmbedJobInput carries the extracted pages forward so the embed stage
// never re-fetches raw text. It is an explicit queue message, not
// shared state.
type EmbedJobInput struct {
	Pages    []provider.Page `json:"pages"`
	Category string          `json:"category"`
}

// EmbedJobOutput summarizes a completed embed stage.
type EmbedJobOutput struct {
	ChunkCount int   `json:"chunk_count"`
	ElapsedMS  int64 `json:"elapsed_ms"`
}

// Options carries pipeline tunables.
type Options struct {
	InsertBatchSize int
	StageTimeout    time.Duration
}

// Pipeline owns the processing chain for all documents.
type Pipeline struct {
	store     Store
	blobs     blob.Store
	extractor *ocr.Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	table     *category.Table
	opts      Options
	logger    *log.Logger

	// pending guarantees FinalizeProcessing fires exactly once per
	// processing attempt, success or failure. An entry exists only
	// while its attempt is in flight; finalize removes it, so the map
	// stays bounded by the number of concurrent attempts.
	mu      sync.Mutex
	pending map[string]struct{} // documentID

	wg sync.WaitGroup
}

func New(st Store, blobs blob.Store, extractor *ocr.Extractor, ch *chunker.Chunker, embedder Embedder, table *category.Table, opts Options, logger *log.Logger) *Pipeline {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	}
	return &Pipeline{
		store:     st,
		blobs:     blobs,
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		table:     table,
		opts:      opts,
		logger:    logger,
		pending:   make(map[string]struct{}),
	}
}

// Kickoff places the processing hold, records the synchronous ingest
// job, enqueues the ocr stage and returns without waiting for it.
func (p *Pipeline) Kickoff(ctx context.Context, doc store.Document) error {
	if err := p.store.PlaceHold(ctx, doc.ID, doc.OwnerID); err != nil {
		return fmt.Errorf("place hold: %w", err)
	}
	p.mu.Lock()
	p.pending[doc.ID] = struct{}{}
	p.mu.Unlock()

	ingestJob, err := p.store.CreateJob(ctx, doc.ID, store.StageIngest, nil)
	if err != nil {
		p.finalize(doc.ID, false)
		return err
	}
	if err := p.store.MarkJobProcessing(ctx, ingestJob); err != nil {
		p.finalize(doc.ID, false)
		return err
	}
	if err := p.store.CompleteJob(ctx, ingestJob, mustJSON(map[string]interface{}{"content_hash": doc.ContentHash})); err != nil {
		p.finalize(doc.ID, false)
		return err
	}

	input := mustJSON(OCRJobInput{StoragePath: doc.StoragePath, MimeType: doc.MimeType, Filename: doc.Filename})
	ocrJob, err := p.store.CreateJob(ctx, doc.ID, store.StageOCR, input)
	if err != nil {
		p.finalize(doc.ID, false)
		return fmt.Errorf("enqueue ocr job: %w", err)
	}
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusQueued); err != nil {
		p.logger.Printf("warn: set document %s queued: %v", doc.ID, err)
	}

	p.spawn(func(bg context.Context) { p.runOCR(bg, ocrJob, doc) })
	return nil
}

// Reprocess clears derived vectors and runs the chain again for a
// document whose previous attempt failed. The hold placed by Kickoff
// rejects reprocessing while another attempt is in flight.
func (p *Pipeline) Reprocess(ctx context.Context, doc store.Document) error {
	if err := p.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear previous vectors: %w", err)
	}
	return p.Kickoff(ctx, doc)
}

// Wait blocks until all background stage work has drained. Used on
// shutdown and by tests.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) spawn(fn func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		bg, cancel := context.WithTimeout(context.Background(), p.opts.StageTimeout)
		defer cancel()
		fn(bg)
	}()
}

func (p *Pipeline) runOCR(ctx context.Context, jobID string, doc store.Document) {
	if err := p.store.MarkJobProcessing(ctx, jobID); err != nil {
		p.logger.Printf("ocr job %s not claimable: %v", jobID, err)
		return
	}
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusProcessing); err != nil {
		p.logger.Printf("warn: set document %s processing: %v", doc.ID, err)
	}

	data, err := p.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("fetch blob: %w", err))
		return
	}

	pages, annotation, err := p.extractor.Extract(ctx, data, doc.MimeType)
	if err != nil {
		p.failStage(ctx, jobID, doc.ID, err)
		return
	}

	detected := annotation.Category
	if detected == "" {
		sample := doc.Filename
		for i, page := range pages {
			if i >= 2 {
				break
			}
			sample += " " + page.Text
		}
		detected = p.table.Detect(sample)
	}

	patch := map[string]interface{}{
		"page_count":        len(pages),
		"detected_category": detected,
	}
	if annotation.DocumentType != "" || len(annotation.SectionTitles) > 0 || len(annotation.Parties) > 0 || len(annotation.Regions) > 0 {
		patch["annotation"] = annotation
	}
	if err := p.store.MergeDocumentMetadata(ctx, doc.ID, patch); err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("update document metadata: %w", err))
		return
	}

	if err := p.store.CompleteJob(ctx, jobID, mustJSON(OCRJobOutput{PageCount: len(pages)})); err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("complete ocr job: %w", err))
		return
	}
	countJob(store.StageOCR, store.JobStatusDone)

	embedInput := mustJSON(EmbedJobInput{Pages: pages, Category: detected})
	embedJob, err := p.store.CreateJob(ctx, doc.ID, store.StageEmbed, embedInput)
	if err != nil {
		p.failDocument(ctx, doc.ID, fmt.Errorf("enqueue embed job: %w", err))
		return
	}
	p.spawn(func(bg context.Context) { p.runEmbed(bg, embedJob, doc) })
}

func (p *Pipeline) runEmbed(ctx context.Context, jobID string, doc store.Document) {
	started := time.Now()
	if err := p.store.MarkJobProcessing(ctx, jobID); err != nil {
		p.logger.Printf("embed job %s not claimable: %v", jobID, err)
		return
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("load embed job: %w", err))
		return
	}
	var input EmbedJobInput
	if err := json.Unmarshal(job.InputData, &input); err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("decode embed input: %w", err))
		return
	}

	chunks, err := p.chunker.Chunk(input.Pages)
	if err != nil {
		p.failStage(ctx, jobID, doc.ID, err)
		return
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := p.embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("embedding call: %w", err))
		return
	}
	if len(vectors) != len(chunks) {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(chunks)))
		return
	}
	// Pairing is positional; the provider contract guarantees order.
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
		chunks[i].Embedding = vectors[i]
	}

	if err := p.store.InsertChunks(ctx, doc.ID, chunks, p.opts.InsertBatchSize); err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("persist chunks: %w", err))
		return
	}

	output := mustJSON(EmbedJobOutput{ChunkCount: len(chunks), ElapsedMS: time.Since(started).Milliseconds()})
	if err := p.store.CompleteJob(ctx, jobID, output); err != nil {
		p.failStage(ctx, jobID, doc.ID, fmt.Errorf("complete embed job: %w", err))
		return
	}
	countJob(store.StageEmbed, store.JobStatusDone)
	chunksEmbedded.Add(float64(len(chunks)))
	p.finalize(doc.ID, true)
	p.logger.Printf("document %s processed: %d chunks in %s", doc.ID, len(chunks), time.Since(started).Round(time.Millisecond))
}

// failStage marks the job failed and settles the document.
func (p *Pipeline) failStage(ctx context.Context, jobID, documentID string, cause error) {
	p.logger.Printf("job %s failed: %v", jobID, cause)
	job, jobErr := p.store.GetJob(ctx, jobID)
	if jobErr == nil {
		countJob(job.Stage, store.JobStatusFailed)
	}
	if err := p.store.FailJob(ctx, jobID, cause.Error()); err != nil {
		p.logger.Printf("warn: mark job %s failed: %v", jobID, err)
	}
	p.failDocument(ctx, documentID, cause)
}

func (p *Pipeline) failDocument(ctx context.Context, documentID string, cause error) {
	_ = cause
	p.finalize(documentID, false)
}

// finalize releases the hold and settles the document status, at most
// once per processing attempt. Claiming and clearing the pending entry
// happen under one lock, so a second terminal path for the same
// attempt finds nothing to claim and returns.
func (p *Pipeline) finalize(documentID string, success bool) {
	p.mu.Lock()
	_, claimed := p.pending[documentID]
	delete(p.pending, documentID)
	p.mu.Unlock()
	if !claimed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.store.FinalizeProcessing(ctx, documentID, success); err != nil {
		p.logger.Printf("warn: finalize document %s (success=%t): %v", documentID, success, err)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal job payload: %v", err))
	}
	return b
}
