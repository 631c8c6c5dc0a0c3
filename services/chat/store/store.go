// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists conversations and messages.
//
// Every query is scoped by org_id: a conversation belonging to another org is
// indistinguishable from one that does not exist, so cross-org probes always
// come back CONVERSATION_NOT_FOUND. The schema uses portable SQL and `?`
// placeholders so the same store runs against MySQL in production and an
// in-memory SQLite database in tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/services/chat/datatypes"
)

var tracer = otel.Tracer("helmline.chat.store")

// ConversationStore is the persistence interface the pipeline and handlers
// depend on.
type ConversationStore interface {
	CreateConversation(ctx context.Context, orgID, userID, title string) (*datatypes.Conversation, error)
	GetConversation(ctx context.Context, orgID, conversationID string) (*datatypes.Conversation, error)
	ListConversations(ctx context.Context, orgID, userID string, limit, offset int) (*datatypes.ConversationPage, error)
	DeleteConversation(ctx context.Context, orgID, conversationID string) error
	AppendMessage(ctx context.Context, orgID, conversationID string, draft datatypes.MessageDraft) (*datatypes.Message, error)
	RecentHistory(ctx context.Context, orgID, conversationID string, maxMessages int) ([]datatypes.Message, error)
	ListMessages(ctx context.Context, orgID, conversationID string) ([]datatypes.Message, error)
}

// SQLStore implements ConversationStore on database/sql.
type SQLStore struct {
	db *sql.DB
}

var _ ConversationStore = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store migration failed: %w", err)
	}
	return s, nil
}

// migrate creates the tables and indexes if they are missing.
func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         VARCHAR(36)  PRIMARY KEY,
			org_id     VARCHAR(64)  NOT NULL,
			user_id    VARCHAR(64)  NOT NULL,
			title      VARCHAR(200) NOT NULL,
			created_at TIMESTAMP    NOT NULL,
			updated_at TIMESTAMP    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_org_user
			ON conversations (org_id, user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                VARCHAR(36)  PRIMARY KEY,
			conversation_id   VARCHAR(36)  NOT NULL,
			org_id            VARCHAR(64)  NOT NULL,
			role              VARCHAR(16)  NOT NULL,
			content           TEXT         NOT NULL,
			sources           TEXT,
			model             VARCHAR(128) NOT NULL DEFAULT '',
			prompt_tokens     INTEGER      NOT NULL DEFAULT 0,
			completion_tokens INTEGER      NOT NULL DEFAULT 0,
			created_at        TIMESTAMP    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateConversation inserts a new conversation owned by the caller's org.
func (s *SQLStore) CreateConversation(
	ctx context.Context,
	orgID, userID, title string,
) (*datatypes.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.CreateConversation")
	defer span.End()

	now := time.Now().UTC().Truncate(time.Microsecond)
	conv := &datatypes.Conversation{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, org_id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OrgID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to create conversation", err)
	}
	return conv, nil
}

// GetConversation loads one conversation. A conversation owned by a different
// org returns CONVERSATION_NOT_FOUND, never a permission error.
func (s *SQLStore) GetConversation(
	ctx context.Context,
	orgID, conversationID string,
) (*datatypes.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.GetConversation")
	defer span.End()

	var conv datatypes.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id = ? AND org_id = ?`,
		conversationID, orgID,
	).Scan(&conv.ID, &conv.OrgID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load conversation", err)
	}
	return &conv, nil
}

// ListConversations returns one page of the caller's conversations, newest
// activity first. The page rows and the total count run concurrently; HasMore
// is derived from the count so clients never need a second probe request.
func (s *SQLStore) ListConversations(
	ctx context.Context,
	orgID, userID string,
	limit, offset int,
) (*datatypes.ConversationPage, error) {
	ctx, span := tracer.Start(ctx, "store.ListConversations")
	defer span.End()

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var (
		rows  []datatypes.Conversation
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.db.QueryContext(gctx,
			`SELECT id, org_id, user_id, title, created_at, updated_at
			 FROM conversations
			 WHERE org_id = ? AND user_id = ?
			 ORDER BY updated_at DESC
			 LIMIT ? OFFSET ?`,
			orgID, userID, limit, offset,
		)
		if err != nil {
			return err
		}
		defer res.Close()
		for res.Next() {
			var c datatypes.Conversation
			if err := res.Scan(&c.ID, &c.OrgID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			rows = append(rows, c)
		}
		return res.Err()
	})
	g.Go(func() error {
		return s.db.QueryRowContext(gctx,
			`SELECT COUNT(*) FROM conversations WHERE org_id = ? AND user_id = ?`,
			orgID, userID,
		).Scan(&total)
	})
	if err := g.Wait(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to list conversations", err)
	}
	if rows == nil {
		rows = []datatypes.Conversation{}
	}
	return &datatypes.ConversationPage{
		Conversations: rows,
		Total:         total,
		HasMore:       offset+len(rows) < total,
	}, nil
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction, so a failure partway leaves both tables untouched.
func (s *SQLStore) DeleteConversation(ctx context.Context, orgID, conversationID string) error {
	ctx, span := tracer.Start(ctx, "store.DeleteConversation")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to begin delete transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND org_id = ?`,
		conversationID, orgID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to delete conversation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to delete conversation", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeConversationNotFound, "conversation not found")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to delete conversation messages", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to commit delete", err)
	}
	return nil
}

// AppendMessage adds one turn to a conversation and advances the
// conversation's updated_at so list ordering tracks activity. Ownership is
// checked inside the same transaction as the insert.
func (s *SQLStore) AppendMessage(
	ctx context.Context,
	orgID, conversationID string,
	draft datatypes.MessageDraft,
) (*datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "store.AppendMessage")
	defer span.End()

	switch draft.Role {
	case datatypes.RoleUser, datatypes.RoleAssistant, datatypes.RoleSystem:
	default:
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "unknown message role")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to begin append transaction", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE id = ? AND org_id = ?`,
		conversationID, orgID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to verify conversation", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := &datatypes.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		OrgID:            orgID,
		Role:             draft.Role,
		Content:          draft.Content,
		Sources:          draft.Sources,
		Model:            draft.Model,
		PromptTokens:     draft.PromptTokens,
		CompletionTokens: draft.CompletionTokens,
		CreatedAt:        now,
	}
	var sourcesJSON sql.NullString
	if len(draft.Sources) > 0 {
		raw, err := json.Marshal(draft.Sources)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to encode sources", err)
		}
		sourcesJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, org_id, role, content, sources,
			model, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.OrgID, msg.Role, msg.Content, sourcesJSON,
		msg.Model, msg.PromptTokens, msg.CompletionTokens, msg.CreatedAt,
	); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to append message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		now, conversationID,
	); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to touch conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to commit message", err)
	}
	return msg, nil
}

// RecentHistory returns the latest maxMessages turns of a conversation in
// chronological order, ready to prepend to a prompt.
func (s *SQLStore) RecentHistory(
	ctx context.Context,
	orgID, conversationID string,
	maxMessages int,
) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "store.RecentHistory")
	defer span.End()

	if maxMessages <= 0 {
		return []datatypes.Message{}, nil
	}
	if _, err := s.GetConversation(ctx, orgID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, org_id, role, content, sources,
			model, prompt_tokens, completion_tokens, created_at
		 FROM messages
		 WHERE conversation_id = ? AND org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		conversationID, orgID, maxMessages,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load history", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to load history", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns every message of a conversation in chronological
// order.
func (s *SQLStore) ListMessages(
	ctx context.Context,
	orgID, conversationID string,
) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "store.ListMessages")
	defer span.End()

	if _, err := s.GetConversation(ctx, orgID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, org_id, role, content, sources,
			model, prompt_tokens, completion_tokens, created_at
		 FROM messages
		 WHERE conversation_id = ? AND org_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID, orgID,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to list messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to list messages", err)
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]datatypes.Message, error) {
	msgs := []datatypes.Message{}
	for rows.Next() {
		var (
			m       datatypes.Message
			sources sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OrgID, &m.Role, &m.Content, &sources,
			&m.Model, &m.PromptTokens, &m.CompletionTokens, &m.CreatedAt); err != nil {
			return nil, err
		}
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
				// A corrupt sources column should not make history
				// unreadable; drop the citations and keep the text.
				slog.Warn("dropping unreadable message sources",
					"message_id", m.ID, "error", err)
				m.Sources = nil
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
