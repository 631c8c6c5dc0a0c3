// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the request, response, and model types for the
// chat service.
//
// Request types carry go-playground/validator tags and expose a Validate
// method; handlers call it after binding and before any downstream work, so
// malformed requests never reach the network.
package datatypes

import (
	"github.com/go-playground/validator/v10"

	"github.com/helmline/helmline/pkg/apperrors"
)

// MaxQueryChars is the maximum accepted query length. Longer queries are
// rejected before any downstream call is made.
const MaxQueryChars = 2000

// chatValidate is the validator instance for chat datatypes.
var chatValidate = validator.New()

// ChatOptions are the client-tunable parameters of one chat turn. Nil fields
// take server defaults; present fields are range-checked.
type ChatOptions struct {
	TopK        *int     `json:"top_k,omitempty" validate:"omitempty,gte=1,lte=50"`
	MinScore    *float64 `json:"min_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Temperature *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=1,lte=4096"`
	Stream      bool     `json:"stream,omitempty"`
}

// ChatQueryRequest is the body of POST /v1/chat/query.
type ChatQueryRequest struct {
	Query          string      `json:"query" validate:"required"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Options        ChatOptions `json:"options"`
}

// Validate checks the request against the closed validation rules. The
// returned error is always a classified *apperrors.Error: QUERY_TOO_LONG for
// oversized queries, INVALID_REQUEST for everything else.
func (r *ChatQueryRequest) Validate() error {
	if len(r.Query) > MaxQueryChars {
		return apperrors.New(apperrors.CodeQueryTooLong, "query exceeds 2000 characters")
	}
	if err := chatValidate.Struct(r); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "request validation failed", err)
	}
	return nil
}

// Usage reports the token accounting of one generation call.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Model            string `json:"model"`
}

// ChatQueryResponse is the buffered reply of POST /v1/chat/query. The done
// event of a streamed reply carries exactly the same shape.
type ChatQueryResponse struct {
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id"`
	Answer         string       `json:"answer"`
	Sources        []SourceInfo `json:"sources"`
	Usage          Usage        `json:"usage"`
	DurationMs     int64        `json:"duration_ms,omitempty"`
}

// CreateConversationRequest is the body of POST /v1/chat/conversations.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// Validate checks the request fields.
func (r *CreateConversationRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "request validation failed", err)
	}
	return nil
}

// ConversationPage is one page of GET /v1/chat/conversations.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
