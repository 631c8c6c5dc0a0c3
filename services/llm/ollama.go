// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helmline/helmline/pkg/resilience"
)

var tracer = otel.Tracer("helmline.llm.ollama")

// OllamaClient talks to an Ollama server for embeddings and chat generation.
// All calls are wrapped in the model retry policy, which additionally retries
// a 404 because Ollama returns one while a model is still loading.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	embedModel string
	retry      resilience.RetryPolicy
}

// Compile-time interface implementation check.
var _ Client = (*OllamaClient)(nil)

// Ollama API request/response structures.
type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL, OLLAMA_MODEL, and
// OLLAMA_EMBED_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
		model = "llama3.1"
	}
	embedModel := os.Getenv("OLLAMA_EMBED_MODEL")
	if embedModel == "" {
		slog.Warn("OLLAMA_EMBED_MODEL not set, defaulting to nomic-embed-text")
		embedModel = "nomic-embed-text"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client",
		"base_url", baseURL,
		"model", model,
		"embed_model", embedModel,
	)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		embedModel: embedModel,
		retry:      resilience.ModelPolicy(),
	}, nil
}

// Embed converts text to a vector via POST /api/embeddings.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.embedModel))

	var vector []float32
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		body, err := o.post(ctx, "/api/embeddings", ollamaEmbedRequest{
			Model:  o.embedModel,
			Prompt: text,
		})
		if err != nil {
			return err
		}
		var resp ollamaEmbedResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse embedding response: %w", err)
		}
		if len(resp.Embedding) == 0 {
			return fmt.Errorf("Ollama returned an empty embedding")
		}
		vector = resp.Embedding
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.embedding_dim", len(vector)))
	return vector, nil
}

// Chat performs a buffered generation via POST /api/chat.
func (o *OllamaClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.messages", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  buildOptions(params),
	}

	var result *ChatResult
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		body, err := o.post(ctx, "/api/chat", payload)
		if err != nil {
			return err
		}
		var resp ollamaChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse chat response: %w", err)
		}
		result = &ChatResult{
			Content:          resp.Message.Content,
			Model:            resp.Model,
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.completion_tokens", result.CompletionTokens))
	return result, nil
}

// ChatStream performs a streaming generation via POST /api/chat with
// stream=true, decoding NDJSON chunks and invoking callback per token. The
// full text is accumulated locally so persistence never depends on the
// client having kept up. Retries apply only before the first token is
// delivered; a stream that breaks mid-delivery fails rather than replaying
// tokens the client already saw.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback TokenCallback) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.messages", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  buildOptions(params),
	}

	delivered := false
	policy := o.retry
	baseShouldRetry := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		return !delivered && baseShouldRetry(err)
	}

	var result *ChatResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		res, err := o.streamOnce(ctx, payload, func(token string) error {
			delivered = true
			return callback(token)
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat stream failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.completion_tokens", result.CompletionTokens))
	return result, nil
}

// streamOnce executes a single streaming round trip.
func (o *OllamaClient) streamOnce(ctx context.Context, payload ollamaChatRequest, callback TokenCallback) (*ChatResult, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resilience.NewStatusError(resp.StatusCode, string(body))
	}

	var content strings.Builder
	result := &ChatResult{Model: payload.Model}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if err := callback(chunk.Message.Content); err != nil {
				return nil, fmt.Errorf("stream callback failed: %w", err)
			}
		}
		if chunk.Done {
			if chunk.Model != "" {
				result.Model = chunk.Model
			}
			result.PromptTokens = chunk.PromptEvalCount
			result.CompletionTokens = chunk.EvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	result.Content = content.String()
	return result, nil
}

// post executes one buffered round trip, returning the raw body. Non-2xx
// responses become StatusError for retry classification.
func (o *OllamaClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.NewStatusError(resp.StatusCode, string(body))
	}
	return body, nil
}

// buildOptions maps GenerationParams onto Ollama's options payload.
func buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}
