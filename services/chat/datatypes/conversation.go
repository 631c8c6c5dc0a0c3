// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Role values for stored messages. The store rejects anything else.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one org-scoped chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored turn inside a conversation. Sources, Model, and the
// token counts are populated only for assistant messages.
type Message struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	OrgID            string       `json:"org_id"`
	Role             string       `json:"role"`
	Content          string       `json:"content"`
	Sources          []SourceInfo `json:"sources,omitempty"`
	Model            string       `json:"model,omitempty"`
	PromptTokens     int          `json:"prompt_tokens,omitempty"`
	CompletionTokens int          `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// MessageDraft is the writable part of a message handed to the store.
type MessageDraft struct {
	Role             string
	Content          string
	Sources          []SourceInfo
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// SourceInfo is the client-facing citation of one retrieved passage.
type SourceInfo struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// RetrievedPassage is one vector search hit, before it is trimmed down to a
// SourceInfo for the client.
type RetrievedPassage struct {
	DocumentID string
	Filename   string
	ChunkIndex int
	Content    string
	Score      float64
}

// SourceOf converts a retrieved passage into its client-facing citation,
// truncating the snippet to keep response bodies small.
func (p RetrievedPassage) SourceOf() SourceInfo {
	snippet := p.Content
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	return SourceInfo{
		DocumentID: p.DocumentID,
		Filename:   p.Filename,
		ChunkIndex: p.ChunkIndex,
		Snippet:    snippet,
		Score:      p.Score,
	}
}

// AuthContext is the identity attached to a request after both credentials
// have been verified. Handlers read it from the gin context.
type AuthContext struct {
	UserID  string
	OrgID   string
	Role    string
	OrgName string
}
