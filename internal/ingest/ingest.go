// Package ingest accepts uploaded files, validates them, deduplicates
// by content hash and persists the blob and document record.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/clausechat/clausechat/internal/blob"
	"github.com/clausechat/clausechat/internal/store"
)

var (
	// ErrUnsupportedMedia is returned for mime types outside the allow-list.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrPayloadTooLarge is returned when the upload exceeds the ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrFileValidation is returned when the file content does not
	// match its declared mime type.
	ErrFileValidation = errors.New("file failed validation")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("empty file")
)

// Store is the slice of the relational store the ingestor needs.
type Store interface {
	GetDocumentByHash(ctx context.Context, ownerID, contentHash string) (store.Document, bool, error)
	CreateDocument(ctx context.Context, d store.Document) (string, error)
}

// Options bounds what the ingestor accepts.
type Options struct {
	MaxBytes     int64
	AllowedMimes []string
}

// Result reports the outcome of an upload.
type Result struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"` // "uploaded" or "duplicate"
}

// StatusDuplicate marks an idempotent re-upload of known content.
const StatusDuplicate = "duplicate"

// Ingestor validates and persists uploads.
type Ingestor struct {
	store  Store
	blobs  blob.Store
	opts   Options
	logger *log.Logger
}

func New(st Store, blobs blob.Store, opts Options, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Ingestor{store: st, blobs: blobs, opts: opts, logger: logger}
}

// Ingest validates the upload, resolves duplicates idempotently, writes
// the blob and inserts the document row in uploaded status. If the row
// insert fails after the blob write, the blob is removed so storage
// never holds orphans.
func (i *Ingestor) Ingest(ctx context.Context, ownerID, filename, mimeType string, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrEmptyFile
	}
	if int64(len(data)) > i.opts.MaxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, len(data), i.opts.MaxBytes)
	}
	if !i.mimeAllowed(mimeType) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
	if err := checkMagicBytes(mimeType, data); err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	existing, found, err := i.store.GetDocumentByHash(ctx, ownerID, contentHash)
	if err != nil {
		return Result{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		i.logger.Printf("duplicate upload of %s resolves to document %s", filename, existing.ID)
		return Result{DocumentID: existing.ID, Status: StatusDuplicate}, nil
	}

	docID := uuid.New().String()
	storagePath := path.Join(ownerID, docID, sanitizeFilename(filename))
	if err := i.blobs.Put(ctx, storagePath, data); err != nil {
		return Result{}, fmt.Errorf("store blob: %w", err)
	}

	doc := store.Document{
		ID:          docID,
		OwnerID:     ownerID,
		ContentHash: contentHash,
		Filename:    filename,
		MimeType:    mimeType,
		SizeBytes:   int64(len(data)),
		StoragePath: storagePath,
	}
	if _, err := i.store.CreateDocument(ctx, doc); err != nil {
		if delErr := i.blobs.Delete(ctx, storagePath); delErr != nil {
			i.logger.Printf("warn: orphan blob cleanup failed for %s: %v", storagePath, delErr)
		}
		return Result{}, fmt.Errorf("create document: %w", err)
	}
	return Result{DocumentID: docID, Status: store.DocStatusUploaded}, nil
}

func (i *Ingestor) mimeAllowed(mimeType string) bool {
	for _, allowed := range i.opts.AllowedMimes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

var (
	pdfMagic  = []byte("%PDF")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// checkMagicBytes verifies the content signature matches the declared
// mime type for the formats with unambiguous signatures. A mismatch is
// a validation error, distinct from an unsupported mime type.
func checkMagicBytes(mimeType string, data []byte) error {
	var want []byte
	switch mimeType {
	case "application/pdf":
		want = pdfMagic
	case "image/jpeg":
		want = jpegMagic
	case "image/png":
		want = pngMagic
	default:
		return nil
	}
	if len(data) < len(want) || !bytes.Equal(data[:len(want)], want) {
		return fmt.Errorf("%w: content does not match declared type %s", ErrFileValidation, mimeType)
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." {
		name = "upload"
	}
	return name
}
