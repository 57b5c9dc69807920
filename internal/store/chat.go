package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatSession binds one user and one document to a conversation.
// MessageCount is the authoritative source of the next message's
// sequence number.
type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DocumentID   string    `json:"document_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatMessage is one turn in a session. Sequence numbers are strictly
// increasing with no gaps within a session.
type ChatMessage struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	SequenceNumber int                    `json:"sequence_number"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// CreateSession opens a chat session on a document the user owns.
func (s *Store) CreateSession(ctx context.Context, userID, documentID, title string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO chat_sessions (id, user_id, document_id, title, message_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,NOW(),NOW())
`, id, userID, documentID, title)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSession fetches a session scoped to its user.
func (s *Store) GetSession(ctx context.Context, id, userID string) (ChatSession, error) {
	var sess ChatSession
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, document_id, title, message_count, created_at, updated_at
FROM chat_sessions WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&sess.ID, &sess.UserID, &sess.DocumentID, &sess.Title,
		&sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return ChatSession{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns the user's sessions on a document, newest first.
func (s *Store) ListSessions(ctx context.Context, userID, documentID string) ([]ChatSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, document_id, title, message_count, created_at, updated_at
FROM chat_sessions WHERE user_id=$1 AND document_id=$2 ORDER BY updated_at DESC
`, userID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []ChatSession
	for rows.Next() {
		var sess ChatSession
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.DocumentID, &sess.Title,
			&sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, userID, title string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE chat_sessions SET title=$3, updated_at=NOW() WHERE id=$1 AND user_id=$2`,
		id, userID, title)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListMessages returns a session's messages in sequence order. The
// session must belong to the user.
func (s *Store) ListMessages(ctx context.Context, sessionID, userID string) ([]ChatMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT m.id, m.session_id, m.role, m.content, m.sequence_number, m.metadata, m.created_at
FROM chat_messages m
JOIN chat_sessions s ON s.id = m.session_id
WHERE m.session_id=$1 AND s.user_id=$2
ORDER BY m.sequence_number
`, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []ChatMessage
	for rows.Next() {
		var (
			msg       ChatMessage
			metaBytes []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.SequenceNumber, &metaBytes, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &msg.Metadata)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AppendMessage persists one message, allocating its sequence number
// from the session counter in the same transaction. The counter bump is
// a single UPDATE ... RETURNING, so two concurrent appenders serialize
// on the session row and can never observe the same sequence number.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) (ChatMessage, error) {
	if content == "" {
		return ChatMessage{}, fmt.Errorf("message content must not be empty")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx, `
UPDATE chat_sessions SET message_count = message_count + 1, updated_at=NOW()
WHERE id=$1
RETURNING message_count
`, sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return ChatMessage{}, err
	}

	meta := metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal message metadata: %w", err)
	}

	msg := ChatMessage{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Role:           role,
		Content:        content,
		SequenceNumber: seq,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, sequence_number, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.SequenceNumber, metaBytes)
	if err != nil {
		return ChatMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChatMessage{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}
