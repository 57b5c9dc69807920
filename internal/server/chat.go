package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/clausechat/clausechat/internal/retriever"
	"github.com/clausechat/clausechat/internal/store"
	"github.com/clausechat/clausechat/internal/synth"
)

// ChatHandler serves chat sessions and the streamed chat turn.
type ChatHandler struct {
	Store     *store.Store
	Retriever *retriever.Retriever
	Synth     *synth.Synthesizer
	Limiter   *RateLimiter
	Locks     *redis.Client
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.rename)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/messages", h.messages)
	g.POST("/:id/chat", h.chat)
}

func (h *ChatHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	doc, err := h.Store.GetDocument(ctx, req.DocumentID, userID)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = doc.Filename
	}
	id, err := h.Store.CreateSession(ctx, userID, doc.ID, title)
	if err != nil {
		return err
	}
	session, err := h.Store.GetSession(ctx, id, userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *ChatHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	sessions, err := h.Store.ListSessions(c.Request().Context(), userID, c.QueryParam("document_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *ChatHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	session, err := h.Store.GetSession(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) rename(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	if err := h.Store.UpdateSessionTitle(c.Request().Context(), c.Param("id"), userID, req.Title); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ChatHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	if err := h.Store.DeleteSession(c.Request().Context(), c.Param("id"), userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ChatHandler) messages(c echo.Context) error {
	userID := c.Get("user_id").(string)
	msgs, err := h.Store.ListMessages(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

// chat runs one full turn: ownership check, rate limit, per-session
// lock, retrieval, then a token stream over SSE. The user message is
// persisted before the model call; the assistant message only after the
// stream finished cleanly, so a failed stream leaves no partial row.
func (h *ChatHandler) chat(c echo.Context) error {
	userID := c.Get("user_id").(string)
	sessionID := c.Param("id")
	var req ChatTurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	ctx := c.Request().Context()
	session, err := h.Store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if err := h.Limiter.Allow(ctx, userID, "chat"); err != nil {
		return err
	}
	unlock, err := h.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	history, err := h.Store.ListMessages(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	result, err := h.Retriever.Retrieve(ctx, userID, session.DocumentID, question)
	if err != nil {
		return err
	}
	doc, err := h.Store.GetDocument(ctx, session.DocumentID, userID)
	if err != nil {
		return err
	}
	if _, err := h.Store.AppendMessage(ctx, sessionID, store.RoleUser, question, nil); err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	onToken := func(token string) error {
		data, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "event: token\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	msg, err := h.Synth.Answer(ctx, synth.Request{
		SessionID: sessionID,
		Document:  doc,
		Category:  result.Category,
		Tier:      result.Tier,
		Chunks:    result.Chunks,
		History:   history,
		Question:  question,
	}, onToken)
	if err != nil {
		// The response is already committed; surface the failure as a
		// terminal SSE event the client can react to.
		fmt.Fprintf(resp, "event: error\ndata: %s\n\n", sseJSON(map[string]string{"error": err.Error()}))
		flusher.Flush()
		return nil
	}

	fmt.Fprintf(resp, "event: done\ndata: %s\n\n", sseJSON(ChatTurnDone{
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		RetrievalTier:  result.Tier,
		ContextChunks:  len(result.Chunks),
	}))
	flusher.Flush()
	return nil
}

// lockSession takes a short redis advisory lock so two concurrent turns
// on one session cannot interleave sequence numbers mid-stream.
func (h *ChatHandler) lockSession(ctx context.Context, sessionID string) (func(), error) {
	if h.Locks == nil {
		return func() {}, nil
	}
	key := "clausechat:session-lock:" + sessionID
	ok, err := h.Locks.SetNX(ctx, key, "1", 2*time.Minute).Result()
	if err != nil {
		// Redis being down should degrade, not break chat.
		return func() {}, nil
	}
	if !ok {
		return nil, echo.NewHTTPError(http.StatusConflict, "a turn is already in progress for this session")
	}
	return func() { h.Locks.Del(context.Background(), key) }, nil
}

func sseJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
