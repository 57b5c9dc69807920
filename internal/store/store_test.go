package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestAppendMessageAllocatesSequenceInTx(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE chat_sessions SET message_count = message_count + 1, updated_at=NOW()
WHERE id=$1
RETURNING message_count
`)).WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_count"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO chat_messages (id, session_id, role, content, sequence_number, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`)).WithArgs(sqlmock.AnyArg(), "s-1", RoleUser, "hello", 7, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := st.AppendMessage(context.Background(), "s-1", RoleUser, "hello", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.SequenceNumber != 7 {
		t.Fatalf("expected sequence 7, got %d", msg.SequenceNumber)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessageUnknownSessionRollsBack(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE chat_sessions`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"message_count"}))
	mock.ExpectRollback()

	if _, err := st.AppendMessage(context.Background(), "missing", RoleUser, "hello", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessageRejectsEmptyContent(t *testing.T) {
	st, _ := newMockStore(t)
	if _, err := st.AppendMessage(context.Background(), "s-1", RoleAssistant, "", nil); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestAppendMessageCommitFailureSurfaces(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE chat_sessions`)).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO chat_messages`)).
		WithArgs(sqlmock.AnyArg(), "s-1", RoleAssistant, "answer", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	if _, err := st.AppendMessage(context.Background(), "s-1", RoleAssistant, "answer", nil); err == nil {
		t.Fatalf("expected commit failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertChunksCommitFailureSurfaces(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO document_vectors`)).
		ExpectExec().
		WithArgs(sqlmock.AnyArg(), "doc-1", 1, "first span", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	chunks := []ChunkRecord{{ChunkOrder: 1, Content: "first span", Embedding: []float32{0.1, 0.2}}}
	if err := st.InsertChunks(context.Background(), "doc-1", chunks, 100); err == nil {
		t.Fatalf("expected commit failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateJobConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO processing_jobs`)).
		WithArgs(sqlmock.AnyArg(), "doc-1", StageOCR, JobStatusQueued, sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	if _, err := st.CreateJob(context.Background(), "doc-1", StageOCR, nil); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPlaceHoldConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO processing_holds`)).
		WithArgs(sqlmock.AnyArg(), "doc-1", "user-1").
		WillReturnError(&pq.Error{Code: "23505"})

	if err := st.PlaceHold(context.Background(), "doc-1", "user-1"); !errors.Is(err, ErrHoldHeld) {
		t.Fatalf("expected ErrHoldHeld, got %v", err)
	}
}

func TestVectorSearchChunksAppliesFloor(t *testing.T) {
	st, mock := newMockStore(t)

	cols := []string{"id", "document_id", "chunk_order", "content", "metadata", "similarity"}
	mock.ExpectQuery(regexp.QuoteMeta(`1 - (v.embedding <=> $3::vector) AS similarity`)).
		WithArgs("doc-1", "user-1", sqlmock.AnyArg(), 15).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "doc-1", 1, "strong match", []byte(`{"page_number":2}`), 0.81).
			AddRow("c2", "doc-1", 2, "weak match", []byte(`{}`), 0.05))

	results, err := st.VectorSearchChunks(context.Background(), "doc-1", "user-1", []float32{0.1, 0.2}, 0.15, 15)
	if err != nil {
		t.Fatalf("VectorSearchChunks: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the sub-floor row to be dropped, got %d results", len(results))
	}
	if results[0].Chunk.ID != "c1" || results[0].Similarity != 0.81 {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if results[0].Chunk.Metadata.PageNumber != 2 {
		t.Fatalf("metadata should round-trip, got %+v", results[0].Chunk.Metadata)
	}
}

func TestVectorSearchChunksRejectsEmptyVector(t *testing.T) {
	st, _ := newMockStore(t)
	if _, err := st.VectorSearchChunks(context.Background(), "doc-1", "user-1", nil, 0.15, 15); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestKeywordSearchChunksBuildsPatterns(t *testing.T) {
	st, mock := newMockStore(t)

	cols := []string{"id", "document_id", "chunk_order", "content", "metadata"}
	mock.ExpectQuery(regexp.QuoteMeta(`v.content ILIKE ANY($3)`)).
		WithArgs("doc-1", "user-1", pq.Array([]string{"%pet%", "%rules%"}), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "doc-1", 1, "no pets allowed", []byte(`{}`)))

	results, err := st.KeywordSearchChunks(context.Background(), "doc-1", "user-1", []string{"pet", "rules"}, 0.3, 10)
	if err != nil {
		t.Fatalf("KeywordSearchChunks: %v", err)
	}
	if len(results) != 1 || results[0].Similarity != 0.3 {
		t.Fatalf("unexpected results %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordSearchChunksEscapesWildcards(t *testing.T) {
	st, mock := newMockStore(t)

	cols := []string{"id", "document_id", "chunk_order", "content", "metadata"}
	mock.ExpectQuery(regexp.QuoteMeta(`v.content ILIKE ANY($3)`)).
		WithArgs("doc-1", "user-1", pq.Array([]string{`%100\%%`, `%late\_fee%`}), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "doc-1", 1, "a 100% late_fee penalty", []byte(`{}`)))

	results, err := st.KeywordSearchChunks(context.Background(), "doc-1", "user-1", []string{"100%", "late_fee"}, 0.3, 10)
	if err != nil {
		t.Fatalf("KeywordSearchChunks: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordSearchChunksNoWords(t *testing.T) {
	st, _ := newMockStore(t)
	results, err := st.KeywordSearchChunks(context.Background(), "doc-1", "user-1", nil, 0.3, 10)
	if err != nil || results != nil {
		t.Fatalf("expected nil results without words, got %v, %v", results, err)
	}
}

func TestFailJobLeavesTerminalJobsAlone(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE processing_jobs SET status=$2, error=$3`)).
		WithArgs("job-1", JobStatusFailed, "boom", JobStatusDone, JobStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.FailJob(context.Background(), "job-1", "boom"); err == nil {
		t.Fatalf("expected error when no row transitions")
	}
}
