package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the relational database. All SQL lives here.
type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions is the expected length of vectors stored
// in the document_vectors pgvector column.
const DefaultEmbeddingDimensions = 1536

// Document lifecycle statuses.
const (
	DocStatusUploaded       = "uploaded"
	DocStatusQueued         = "queued"
	DocStatusProcessing     = "processing"
	DocStatusAwaitingCredit = "awaiting_credit"
	DocStatusCompleted      = "completed"
	DocStatusFailed         = "failed"
)

// Processing job stages, in pipeline order.
const (
	StageIngest        = "ingest"
	StageOCR           = "ocr"
	StageAnnotation    = "annotation"
	StageVectorization = "vectorization"
	StageEmbed         = "embed"
	StageFinalize      = "finalize"
)

// Processing job statuses. Done and failed are terminal and immutable.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"
)

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound is returned when a row does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrJobConflict is returned when a non-terminal job already
	// exists for the same (document, stage).
	ErrJobConflict = errors.New("job already in flight for stage")
	// ErrHoldHeld is returned when a processing hold is already
	// active for the document.
	ErrHoldHeld = errors.New("processing hold already active")
)

// Document is an uploaded file and its processing state.
type Document struct {
	ID          string                 `json:"id"`
	OwnerID     string                 `json:"owner_id"`
	ContentHash string                 `json:"content_hash"`
	Filename    string                 `json:"filename"`
	MimeType    string                 `json:"mime_type"`
	SizeBytes   int64                  `json:"size_bytes"`
	StoragePath string                 `json:"storage_path"`
	Status      string                 `json:"status"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ProcessingJob is one unit of the ingest pipeline state machine.
type ProcessingJob struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	InputData  json.RawMessage `json:"input_data,omitempty"`
	OutputData json.RawMessage `json:"output_data,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens a postgres connection pool and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// CreateUser inserts a user row. Email uniqueness is enforced by the
// database; callers translate the 23505 violation.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`,
		uuid.New().String(), email, passwordHash)
	return err
}

// GetUserByEmail returns the user id and password hash for a login attempt.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return id, hash, err
}

// CreateDocument inserts a document row in uploaded status and returns its id.
func (s *Store) CreateDocument(ctx context.Context, d Document) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	meta := d.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO documents (id, owner_id, content_hash, filename, mime_type, size_bytes, storage_path, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
`, d.ID, d.OwnerID, d.ContentHash, d.Filename, d.MimeType, d.SizeBytes, d.StoragePath, DocStatusUploaded, metaBytes)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// GetDocumentByHash resolves a content hash to an existing document for
// the owner, the lookup behind idempotent uploads. Dedup is scoped per
// owner so one tenant can never observe another tenant's uploads.
func (s *Store) GetDocumentByHash(ctx context.Context, ownerID, contentHash string) (Document, bool, error) {
	doc, err := s.scanDocument(s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, content_hash, filename, mime_type, size_bytes, storage_path, status, metadata, created_at, updated_at
FROM documents WHERE owner_id=$1 AND content_hash=$2
`, ownerID, contentHash))
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// GetDocument fetches a document scoped to its owner.
func (s *Store) GetDocument(ctx context.Context, id, ownerID string) (Document, error) {
	doc, err := s.scanDocument(s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, content_hash, filename, mime_type, size_bytes, storage_path, status, metadata, created_at, updated_at
FROM documents WHERE id=$1 AND owner_id=$2
`, id, ownerID))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// ListDocuments returns the owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, content_hash, filename, mime_type, size_bytes, storage_path, status, metadata, created_at, updated_at
FROM documents WHERE owner_id=$1 ORDER BY created_at DESC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus transitions the document lifecycle status.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET status=$2, updated_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MergeDocumentMetadata merges the given keys into the document's
// metadata JSONB without clobbering keys written by other stages.
func (s *Store) MergeDocumentMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET metadata = metadata || $2::jsonb, updated_at=NOW() WHERE id=$1`, id, patchBytes)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteDocument removes a document and, via ON DELETE CASCADE, its
// jobs, vectors, sessions and messages.
func (s *Store) DeleteDocument(ctx context.Context, id, ownerID string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CreateJob enqueues a processing job for a stage. The partial unique
// index on (document_id, stage) over non-terminal statuses enforces the
// one-in-flight invariant; a violation surfaces as ErrJobConflict.
func (s *Store) CreateJob(ctx context.Context, documentID, stage string, input json.RawMessage) (string, error) {
	id := uuid.New().String()
	if input == nil {
		input = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO processing_jobs (id, document_id, stage, status, input_data, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
`, id, documentID, stage, JobStatusQueued, []byte(input))
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return "", ErrJobConflict
		}
		return "", err
	}
	return id, nil
}

// GetJob fetches a single processing job.
func (s *Store) GetJob(ctx context.Context, id string) (ProcessingJob, error) {
	var (
		job      ProcessingJob
		input    []byte
		output   []byte
		errField sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, document_id, stage, status, input_data, output_data, error, created_at, updated_at
FROM processing_jobs WHERE id=$1
`, id).Scan(&job.ID, &job.DocumentID, &job.Stage, &job.Status, &input, &output, &errField, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return ProcessingJob{}, ErrNotFound
	}
	if err != nil {
		return ProcessingJob{}, err
	}
	job.InputData = input
	job.OutputData = output
	if errField.Valid {
		job.Error = errField.String
	}
	return job, nil
}

// ListJobsByDocument returns a document's jobs in creation order.
func (s *Store) ListJobsByDocument(ctx context.Context, documentID string) ([]ProcessingJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, stage, status, input_data, output_data, error, created_at, updated_at
FROM processing_jobs WHERE document_id=$1 ORDER BY created_at
`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []ProcessingJob
	for rows.Next() {
		var (
			job      ProcessingJob
			input    []byte
			output   []byte
			errField sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.DocumentID, &job.Stage, &job.Status, &input, &output, &errField, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.InputData = input
		job.OutputData = output
		if errField.Valid {
			job.Error = errField.String
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing moves a queued job into processing. Terminal jobs
// are never touched; the WHERE clause makes the transition idempotent.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs SET status=$2, updated_at=NOW()
WHERE id=$1 AND status=$3
`, id, JobStatusProcessing, JobStatusQueued)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteJob marks a processing job done with its output payload.
func (s *Store) CompleteJob(ctx context.Context, id string, output json.RawMessage) error {
	if output == nil {
		output = json.RawMessage(`{}`)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs SET status=$2, output_data=$3, updated_at=NOW()
WHERE id=$1 AND status=$4
`, id, JobStatusDone, []byte(output), JobStatusProcessing)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob marks a job failed with the final error message.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_jobs SET status=$2, error=$3, updated_at=NOW()
WHERE id=$1 AND status NOT IN ($4,$5)
`, id, JobStatusFailed, message, JobStatusDone, JobStatusFailed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListStaleJobs returns jobs stuck in processing since before the cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]ProcessingJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, stage, status, input_data, output_data, error, created_at, updated_at
FROM processing_jobs WHERE status=$1 AND updated_at < $2
`, JobStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []ProcessingJob
	for rows.Next() {
		var (
			job      ProcessingJob
			input    []byte
			output   []byte
			errField sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.DocumentID, &job.Stage, &job.Status, &input, &output, &errField, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.InputData = input
		job.OutputData = output
		if errField.Valid {
			job.Error = errField.String
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PlaceHold reserves the document for processing. The partial unique
// index on active holds rejects a second reservation, which is how
// concurrent reprocessing of the same document is prevented.
func (s *Store) PlaceHold(ctx context.Context, documentID, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO processing_holds (id, document_id, owner_id, created_at)
VALUES ($1,$2,$3,NOW())
`, uuid.New().String(), documentID, ownerID)
	if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
		return ErrHoldHeld
	}
	return err
}

// FinalizeProcessing releases the document's hold and settles its
// status in one statement, mirroring the finalize remote procedure the
// pipeline calls exactly once per processing attempt.
func (s *Store) FinalizeProcessing(ctx context.Context, documentID string, success bool) error {
	_, err := s.DB.ExecContext(ctx, `SELECT finalize_processing($1,$2)`, documentID, success)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDocument(row rowScanner) (Document, error) {
	var (
		doc       Document
		metaBytes []byte
	)
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.ContentHash, &doc.Filename, &doc.MimeType,
		&doc.SizeBytes, &doc.StoragePath, &doc.Status, &metaBytes, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &doc.Metadata)
	}
	return doc, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
