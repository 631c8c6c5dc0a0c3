// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/middleware"
	"github.com/helmline/helmline/services/chat/services"
	"github.com/helmline/helmline/services/chat/store"
	"github.com/helmline/helmline/services/llm"
)

// stubSearcher returns fixed passages.
type stubSearcher struct {
	passages []datatypes.RetrievedPassage
}

func (s *stubSearcher) Search(ctx context.Context, orgID string, vector []float32, topK int, minScore float64) ([]datatypes.RetrievedPassage, error) {
	return s.passages, nil
}

// stubLLM generates a fixed token sequence.
type stubLLM struct {
	tokens  []string
	chatErr error
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubLLM) result() *llm.ChatResult {
	return &llm.ChatResult{
		Content:          strings.Join(s.tokens, ""),
		Model:            "test-model",
		PromptTokens:     10,
		CompletionTokens: len(s.tokens),
	}
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return s.result(), nil
}

func (s *stubLLM) ChatStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams, callback llm.TokenCallback) (*llm.ChatResult, error) {
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	for _, token := range s.tokens {
		if err := callback(token); err != nil {
			break
		}
	}
	return s.result(), nil
}

// chatRouter builds a router with a fake authenticated identity in place of
// the gate.
func chatRouter(t *testing.T, model *stubLLM) (*gin.Engine, store.ConversationStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewSQLStore(db)
	require.NoError(t, err)

	cfg := services.Config{
		DefaultTopK:      5,
		DefaultMaxTokens: 1024,
		MaxTurns:         10,
		EmbedDims:        3,
	}
	searcher := &stubSearcher{passages: []datatypes.RetrievedPassage{
		{DocumentID: "doc-1", Filename: "handbook.pdf", Content: "PTO accrues monthly.", Score: 0.9},
	}}
	pipeline := services.NewPipeline(st, searcher, model, cfg)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(func(c *gin.Context) {
		middleware.SetAuthContext(c, datatypes.AuthContext{
			UserID: "user-1", OrgID: "org-1", Role: "member",
		})
	})
	chatHandler := NewChatHandler(pipeline, 10*time.Millisecond)
	convHandler := NewConversationsHandler(st)
	r.POST("/v1/chat/query", chatHandler.Query)
	r.POST("/v1/chat/conversations", convHandler.Create)
	r.GET("/v1/chat/conversations", convHandler.List)
	r.GET("/v1/chat/conversations/:id/messages", convHandler.Messages)
	r.DELETE("/v1/chat/conversations/:id", convHandler.Delete)
	return r, st
}

func TestChatQuery_Buffered(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"Monthly", " accrual."}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query",
		strings.NewReader(`{"query":"How does PTO accrue?"}`))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ChatQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Monthly accrual.", resp.Answer)
	assert.NotEmpty(t, resp.ConversationID)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "handbook.pdf", resp.Sources[0].Filename)
	assert.Equal(t, "test-model", resp.Usage.Model)
}

func TestChatQuery_MalformedBody(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query", strings.NewReader(`{not json`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestChatQuery_ErrorBodyShape(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query",
		strings.NewReader(`{"query":"`+strings.Repeat("x", 2001)+`"}`))
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "QUERY_TOO_LONG", body["code"])
	assert.Equal(t, "req-123", body["request_id"])
	assert.NotEmpty(t, body["message"])
}

func TestChatQuery_StreamDeliversEventStream(t *testing.T) {
	r, st := chatRouter(t, &stubLLM{tokens: []string{"a", "b", "c"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query",
		strings.NewReader(`{"query":"stream it","options":{"stream":true}}`))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	sourcesIdx := strings.Index(body, "event: sources")
	tokenIdx := strings.Index(body, "event: token")
	doneIdx := strings.Index(body, "event: done")
	require.GreaterOrEqual(t, sourcesIdx, 0)
	require.Greater(t, tokenIdx, sourcesIdx, "tokens follow sources")
	require.Greater(t, doneIdx, tokenIdx, "done is terminal")
	assert.Equal(t, 3, strings.Count(body, "event: token"))

	// The streamed turn persisted both messages.
	var done struct {
		Done datatypes.ChatQueryResponse `json:"done"`
	}
	dataLine := body[doneIdx:]
	dataLine = dataLine[strings.Index(dataLine, "data: ")+len("data: "):]
	dataLine = dataLine[:strings.Index(dataLine, "\n")]
	require.NoError(t, json.Unmarshal([]byte(dataLine), &done))
	msgs, err := st.ListMessages(context.Background(), "org-1", done.Done.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "abc", msgs[1].Content)
}

func TestChatQuery_StreamRejectsInvalidRequestBeforeStreaming(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query",
		strings.NewReader(`{"query":"`+strings.Repeat("x", 2001)+`","options":{"stream":true}}`))
	r.ServeHTTP(w, req)

	// A request that fails validation never opens the event stream.
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "QUERY_TOO_LONG")
	assert.NotContains(t, w.Body.String(), "event:")
}

func TestChatQuery_StreamEmitsTerminalError(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{chatErr: context.DeadlineExceeded})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query",
		strings.NewReader(`{"query":"doomed","options":{"stream":true}}`))
	r.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "REQUEST_TIMEOUT")
}

func TestConversations_CRUD(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	// Create
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/conversations",
		strings.NewReader(`{"title":"Payroll questions"}`))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var conv datatypes.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.Equal(t, "Payroll questions", conv.Title)
	assert.Equal(t, "org-1", conv.OrgID)

	// List
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/conversations?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var page datatypes.ConversationPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.HasMore)

	// Messages (empty so far)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/conversations/"+conv.ID+"/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Delete
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/chat/conversations/"+conv.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Deleting again reports not found.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/chat/conversations/"+conv.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "CONVERSATION_NOT_FOUND")
}

func TestConversations_CreateValidation(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/conversations",
		strings.NewReader(`{"title":""}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestConversations_ListRejectsBadPagination(t *testing.T) {
	r, _ := chatRouter(t, &stubLLM{tokens: []string{"ok"}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/conversations?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}
