package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/clausechat/clausechat/internal/store"
)

type fakeStore struct {
	byHash  map[string]store.Document
	created []store.Document
	failOn  error
}

func (f *fakeStore) GetDocumentByHash(_ context.Context, ownerID, hash string) (store.Document, bool, error) {
	doc, ok := f.byHash[ownerID+"/"+hash]
	return doc, ok, nil
}

func (f *fakeStore) CreateDocument(_ context.Context, doc store.Document) (string, error) {
	if f.failOn != nil {
		return "", f.failOn
	}
	f.created = append(f.created, doc)
	if f.byHash == nil {
		f.byHash = map[string]store.Document{}
	}
	f.byHash[doc.OwnerID+"/"+doc.ContentHash] = doc
	return doc.ID, nil
}

type fakeBlobs struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte) error {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	f.puts++
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func newTestIngestor(st *fakeStore, blobs *fakeBlobs) *Ingestor {
	return New(st, blobs, Options{
		MaxBytes:     1 << 20,
		AllowedMimes: []string{"application/pdf", "image/png", "image/jpeg"},
	}, nil)
}

func pdfBytes(body string) []byte {
	return append([]byte("%PDF-1.4\n"), []byte(body)...)
}

func TestIngestValidation(t *testing.T) {
	ing := newTestIngestor(&fakeStore{}, &fakeBlobs{})
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, "u1", "a.pdf", "application/pdf", nil); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if _, err := ing.Ingest(ctx, "u1", "a.exe", "application/octet-stream", pdfBytes("x")); !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected ErrUnsupportedMedia, got %v", err)
	}
	if _, err := ing.Ingest(ctx, "u1", "a.pdf", "application/pdf", []byte("not a pdf at all")); !errors.Is(err, ErrFileValidation) {
		t.Fatalf("expected ErrFileValidation, got %v", err)
	}
	big := make([]byte, (1<<20)+1)
	copy(big, "%PDF")
	if _, err := ing.Ingest(ctx, "u1", "a.pdf", "application/pdf", big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	st := &fakeStore{}
	blobs := &fakeBlobs{}
	ing := newTestIngestor(st, blobs)
	ctx := context.Background()
	data := pdfBytes("lease agreement body")

	first, err := ing.Ingest(ctx, "u1", "contract.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Status != store.DocStatusUploaded {
		t.Fatalf("expected uploaded, got %q", first.Status)
	}

	second, err := ing.Ingest(ctx, "u1", "contract_copy.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %q", second.Status)
	}
	if second.DocumentID != first.DocumentID {
		t.Fatalf("duplicate must return the original document id")
	}
	if blobs.puts != 1 {
		t.Fatalf("expected exactly one storage write, got %d", blobs.puts)
	}
}

func TestIngestDedupScopedToOwner(t *testing.T) {
	st := &fakeStore{}
	ing := newTestIngestor(st, &fakeBlobs{})
	ctx := context.Background()
	data := pdfBytes("shared bytes")

	a, err := ing.Ingest(ctx, "u1", "a.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("ingest u1: %v", err)
	}
	b, err := ing.Ingest(ctx, "u2", "b.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("ingest u2: %v", err)
	}
	if a.DocumentID == b.DocumentID {
		t.Fatalf("identical bytes from different owners must not share a document")
	}
}

func TestIngestCleansOrphanBlob(t *testing.T) {
	st := &fakeStore{failOn: errors.New("insert failed")}
	blobs := &fakeBlobs{}
	ing := newTestIngestor(st, blobs)

	if _, err := ing.Ingest(context.Background(), "u1", "a.pdf", "application/pdf", pdfBytes("x")); err == nil {
		t.Fatalf("expected error from store")
	}
	if len(blobs.objects) != 0 {
		t.Fatalf("expected blob cleanup after row insert failure, %d objects remain", len(blobs.objects))
	}
}
