package server

// HTTPError is the JSON error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreateSessionRequest struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

type UpdateSessionRequest struct {
	Title string `json:"title"`
}

type ChatTurnRequest struct {
	Message string `json:"message"`
}

// ChatTurnDone is the terminal SSE payload of a chat turn.
type ChatTurnDone struct {
	MessageID      string `json:"message_id"`
	SequenceNumber int    `json:"sequence_number"`
	RetrievalTier  string `json:"retrieval_tier"`
	ContextChunks  int    `json:"context_chunks"`
}
