// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for the embedding and generation model
// backends. The specific backend (Ollama, OpenAI) is selected at startup via
// LLM_BACKEND_TYPE; the orchestration pipeline only sees the Client interface.
package llm

import "context"

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the tunable sampling parameters for a generation call.
// Nil fields take the backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatResult is the outcome of a completed generation call. For streaming
// calls Content is the full accumulated text, so the persisted record is
// identical regardless of delivery mode.
type ChatResult struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// TokenCallback receives tokens as the model generates them. Returning an
// error aborts delivery to the caller; the backend may still drain the call.
type TokenCallback func(token string) error

// Client defines the standard interface for any LLM backend.
//
// Thread Safety: implementations must be safe for concurrent use.
type Client interface {
	// Embed converts text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Chat performs a buffered generation over the full message list.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error)

	// ChatStream performs a streaming generation, invoking callback per
	// token while accumulating the full text into the returned result.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback TokenCallback) (*ChatResult, error)
}
