// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the chat orchestration pipeline.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/resilience"
	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/retrieval"
	"github.com/helmline/helmline/services/chat/store"
	"github.com/helmline/helmline/services/llm"
)

var pipelineTracer = otel.Tracer("helmline.chat.pipeline")

// titleRunes is how much of the query becomes a new conversation's title.
const titleRunes = 50

// systemPromptPrefix is the fixed instructional prefix of every turn. The
// retrieved context (or an explicit no-context notice) is appended to it.
const systemPromptPrefix = "You are a support assistant for this organization. " +
	"Answer using only the context provided below. " +
	"If the context does not contain the answer, say that you do not know " +
	"rather than guessing.\n\n"

// noContextNotice replaces the context block when retrieval found nothing
// usable, so the model knows it is answering without grounding.
const noContextNotice = "No relevant context was found for this question."

// Config holds the pipeline's tunable defaults. Request options override the
// Default* fields per turn; MaxTurns and EmbedDims are server-side only.
type Config struct {
	DefaultTopK        int
	DefaultMinScore    float64
	DefaultTemperature float32
	DefaultMaxTokens   int

	// MaxTurns bounds the history window: 2 x MaxTurns messages survive
	// pruning.
	MaxTurns int

	// EmbedDims is the embedding dimensionality written at ingestion time.
	// A query vector of any other length means model skew, which is a hard
	// error rather than a transient one. Zero disables the strict check.
	EmbedDims int
}

// ConfigFromEnv builds a Config from the environment, logging every applied
// default.
func ConfigFromEnv() Config {
	cfg := Config{
		DefaultTopK:        envInt("CHAT_DEFAULT_TOP_K", 5),
		DefaultMinScore:    envFloat("CHAT_DEFAULT_MIN_SCORE", 0.7),
		DefaultTemperature: float32(envFloat("CHAT_DEFAULT_TEMPERATURE", 0.7)),
		DefaultMaxTokens:   envInt("CHAT_DEFAULT_MAX_TOKENS", 1024),
		MaxTurns:           envInt("CHAT_MAX_TURNS", 10),
		EmbedDims:          envInt("CHAT_EMBED_DIMS", 768),
	}
	return cfg
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		slog.Info("Using default for unset variable", "variable", key, "default", def)
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"variable", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		slog.Info("Using default for unset variable", "variable", key, "default", def)
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default",
			"variable", key, "value", raw, "default", def)
		return def
	}
	return v
}

// Pipeline runs one chat turn end to end: conversation resolution, history,
// retrieval, generation, persistence. Safe for concurrent use; all state
// lives in the request and the injected collaborators.
type Pipeline struct {
	store    store.ConversationStore
	searcher retrieval.Searcher
	llm      llm.Client
	cfg      Config
}

// NewPipeline wires the pipeline's collaborators. None may be nil.
func NewPipeline(st store.ConversationStore, searcher retrieval.Searcher, client llm.Client, cfg Config) *Pipeline {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	return &Pipeline{store: st, searcher: searcher, llm: client, cfg: cfg}
}

// Chat runs a buffered turn and returns the complete answer.
func (p *Pipeline) Chat(
	ctx context.Context,
	auth datatypes.AuthContext,
	req *datatypes.ChatQueryRequest,
) (*datatypes.ChatQueryResponse, error) {
	return p.run(ctx, auth, req, nil)
}

// ChatStream runs a streaming turn, delivering sources, tokens, and the done
// payload through sink in order. The returned response is identical to what
// the done event carried; the error, when non-nil, has not been emitted and
// is the caller's to frame.
func (p *Pipeline) ChatStream(
	ctx context.Context,
	auth datatypes.AuthContext,
	req *datatypes.ChatQueryRequest,
	sink datatypes.EventSink,
) (*datatypes.ChatQueryResponse, error) {
	return p.run(ctx, auth, req, sink)
}

func (p *Pipeline) run(
	ctx context.Context,
	auth datatypes.AuthContext,
	req *datatypes.ChatQueryRequest,
	sink datatypes.EventSink,
) (*datatypes.ChatQueryResponse, error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("org.id", auth.OrgID),
		attribute.Bool("chat.streaming", sink != nil),
	)
	start := time.Now()

	// Validation runs before any network call.
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	topK := p.cfg.DefaultTopK
	if req.Options.TopK != nil {
		topK = *req.Options.TopK
	}
	minScore := p.cfg.DefaultMinScore
	if req.Options.MinScore != nil {
		minScore = *req.Options.MinScore
	}
	maxTokens := p.cfg.DefaultMaxTokens
	if req.Options.MaxTokens != nil {
		maxTokens = *req.Options.MaxTokens
	}
	temperature := p.cfg.DefaultTemperature
	if req.Options.Temperature != nil {
		temperature = *req.Options.Temperature
	}

	// Stage 1: resolve or create the conversation, always org-scoped.
	conv, err := p.resolveConversation(ctx, auth, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	// Stages 2-3: load history, degrading to an empty window on failure,
	// then prune to the most recent 2 x maxTurns messages.
	history := p.loadHistory(ctx, auth.OrgID, conv.ID)

	// Stage 4: embed the query. A vector of the wrong length means the
	// query-time model no longer matches what ingestion wrote, so that is
	// not retried or degraded.
	vector, err := p.llm.Embed(ctx, req.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, classifyModelError(err)
	}
	if len(vector) == 0 || (p.cfg.EmbedDims > 0 && len(vector) != p.cfg.EmbedDims) {
		err := apperrors.New(apperrors.CodeInternal,
			fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", len(vector), p.cfg.EmbedDims))
		span.RecordError(err)
		return nil, err
	}

	// Stage 5: retrieve context. An answer without grounding beats no
	// answer, so any retrieval failure degrades to an empty context.
	passages, err := p.searcher.Search(ctx, auth.OrgID, vector, topK, minScore)
	if err != nil {
		slog.Warn("Retrieval failed, continuing without context",
			"org_id", auth.OrgID, "conversation_id", conv.ID, "error", err)
		passages = nil
	}

	// Stage 6: build the context block under the character budget.
	contextBlock, included := buildContext(passages, maxTokens*4)
	sources := make([]datatypes.SourceInfo, 0, len(included))
	for _, passage := range included {
		sources = append(sources, passage.SourceOf())
	}
	emit := newEmitter(sink)
	emit(datatypes.SourcesEvent(sources))

	// Stage 7: system prompt.
	systemPrompt := systemPromptPrefix + contextBlock

	// Stage 8: the user's turn is durable before generation starts, so a
	// generation failure never loses the question.
	if _, err := p.store.AppendMessage(ctx, auth.OrgID, conv.ID, datatypes.MessageDraft{
		Role:    datatypes.RoleUser,
		Content: req.Query,
	}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Stage 9: compose the model input.
	messages := composeMessages(systemPrompt, history, req.Query)

	// Stage 10: generate, buffered or streaming.
	params := llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
	var result *llm.ChatResult
	if sink == nil {
		result, err = p.llm.Chat(ctx, messages, params)
	} else {
		result, err = p.llm.ChatStream(ctx, messages, params, func(token string) error {
			emit(datatypes.TokenEvent(token))
			return nil
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, classifyModelError(err)
	}

	// Stage 11: persist the complete assistant turn, then return. The
	// stored content is the accumulated text, identical for buffered and
	// streamed delivery.
	assistant, err := p.store.AppendMessage(ctx, auth.OrgID, conv.ID, datatypes.MessageDraft{
		Role:             datatypes.RoleAssistant,
		Content:          result.Content,
		Sources:          sources,
		Model:            result.Model,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := &datatypes.ChatQueryResponse{
		ConversationID: conv.ID,
		MessageID:      assistant.ID,
		Answer:         result.Content,
		Sources:        sources,
		Usage: datatypes.Usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			Model:            result.Model,
		},
		DurationMs: time.Since(start).Milliseconds(),
	}
	emit(datatypes.DoneEvent(resp))

	span.SetAttributes(
		attribute.Int("chat.sources", len(sources)),
		attribute.Int("chat.completion_tokens", resp.Usage.CompletionTokens),
	)
	slog.Info("Chat turn completed",
		"org_id", auth.OrgID,
		"conversation_id", conv.ID,
		"sources", len(sources),
		"duration_ms", resp.DurationMs,
	)
	return resp, nil
}

// resolveConversation loads the referenced conversation or creates a new one
// titled from the query.
func (p *Pipeline) resolveConversation(
	ctx context.Context,
	auth datatypes.AuthContext,
	req *datatypes.ChatQueryRequest,
) (*datatypes.Conversation, error) {
	if req.ConversationID != "" {
		return p.store.GetConversation(ctx, auth.OrgID, req.ConversationID)
	}
	return p.store.CreateConversation(ctx, auth.OrgID, auth.UserID, titleFromQuery(req.Query))
}

// loadHistory fetches the pruned history window. A store failure here is
// logged and swallowed so a transient hiccup does not block the turn.
func (p *Pipeline) loadHistory(ctx context.Context, orgID, conversationID string) []datatypes.Message {
	window := 2 * p.cfg.MaxTurns
	history, err := p.store.RecentHistory(ctx, orgID, conversationID, window)
	if err != nil {
		slog.Warn("Failed to load history, continuing with empty window",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	return history
}

// titleFromQuery derives a new conversation's title from the first 50
// characters of the query, with an ellipsis when truncated.
func titleFromQuery(query string) string {
	runes := []rune(strings.TrimSpace(query))
	if len(runes) <= titleRunes {
		return string(runes)
	}
	return string(runes[:titleRunes]) + "..."
}

// buildContext concatenates passages, best score first, each under a source
// header, stopping before the character budget would be exceeded. A passage
// is included whole or not at all. Returns the block and the passages that
// made it in.
func buildContext(passages []datatypes.RetrievedPassage, budget int) (string, []datatypes.RetrievedPassage) {
	if len(passages) == 0 {
		return noContextNotice, nil
	}

	var (
		b        strings.Builder
		included []datatypes.RetrievedPassage
	)
	for _, passage := range passages {
		header := fmt.Sprintf("[Source: %s | Score: %.2f]\n", passage.Filename, passage.Score)
		entry := header + passage.Content + "\n\n"
		if b.Len()+len(entry) > budget {
			break
		}
		b.WriteString(entry)
		included = append(included, passage)
	}
	if len(included) == 0 {
		return noContextNotice, nil
	}
	return strings.TrimRight(b.String(), "\n"), included
}

// composeMessages assembles the model input: system prompt, pruned history in
// original order, then the current query.
func composeMessages(systemPrompt string, history []datatypes.Message, query string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: datatypes.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		if m.Role != datatypes.RoleUser && m.Role != datatypes.RoleAssistant {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: datatypes.RoleUser, Content: query})
	return messages
}

// newEmitter wraps a possibly-nil sink. Once the sink reports a failure the
// emitter drops further events silently; the turn keeps running so the
// assistant message is still persisted.
func newEmitter(sink datatypes.EventSink) func(datatypes.PipelineEvent) {
	if sink == nil {
		return func(datatypes.PipelineEvent) {}
	}
	broken := false
	return func(event datatypes.PipelineEvent) {
		if broken {
			return
		}
		if err := sink.Emit(event); err != nil {
			slog.Warn("Event sink failed, continuing without delivery", "error", err)
			broken = true
		}
	}
}

// classifyModelError maps a model backend failure onto the error taxonomy.
// Already-classified errors pass through unchanged.
func classifyModelError(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeRequestTimeout, "model call timed out", err)
	}
	if resilience.IsInfrastructure(err) {
		return apperrors.Wrap(apperrors.CodeOllamaUnavailable, "model backend unavailable", err)
	}
	return apperrors.Wrap(apperrors.CodeInternal, "model call failed", err)
}
