// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/helmline/helmline/pkg/resilience"
)

// OpenAIClient implements Client against the OpenAI API. Selected with
// LLM_BACKEND_TYPE=openai; useful for tenants that opt out of self-hosted
// models.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel string
	retry      resilience.RetryPolicy
}

// Compile-time interface implementation check.
var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from OPENAI_API_KEY, OPENAI_MODEL, and
// OPENAI_EMBED_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	embedModel := os.Getenv("OPENAI_EMBED_MODEL")
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
		slog.Warn("OPENAI_EMBED_MODEL not set, defaulting to text-embedding-3-small")
	}
	slog.Info("Initializing OpenAI client", "model", model, "embed_model", embedModel)
	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		model:      model,
		embedModel: embedModel,
		retry:      resilience.ModelPolicy(),
	}, nil
}

// classifyOpenAIError converts go-openai API errors into StatusError so the
// retry policy sees HTTP statuses instead of opaque messages.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.NewStatusError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	return err
}

// Embed converts text to a vector via the embeddings API.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(o.embedModel),
			Input: []string{text},
		})
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("OpenAI returned no embeddings")
		}
		vector = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// Chat performs a buffered generation.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error) {
	req := o.buildRequest(messages, params, false)

	var result *ChatResult
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("OpenAI returned no choices")
		}
		result = &ChatResult{
			Content:          resp.Choices[0].Message.Content,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChatStream performs a streaming generation. As with the Ollama backend,
// retries stop once the first token has been delivered.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback TokenCallback) (*ChatResult, error) {
	req := o.buildRequest(messages, params, true)

	delivered := false
	policy := o.retry
	baseShouldRetry := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		return !delivered && baseShouldRetry(err)
	}

	var result *ChatResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return classifyOpenAIError(err)
		}
		defer stream.Close()

		var content strings.Builder
		res := &ChatResult{Model: o.model}
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return classifyOpenAIError(err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			delivered = true
			content.WriteString(token)
			if err := callback(token); err != nil {
				return fmt.Errorf("stream callback failed: %w", err)
			}
		}
		res.Content = content.String()
		// The streaming API does not report usage; approximate from length
		// so persisted token counts stay populated across backends.
		res.CompletionTokens = len(res.Content) / 4
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildRequest maps messages and params onto the OpenAI request shape.
func (o *OpenAIClient) buildRequest(messages []Message, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:  o.model,
		Stream: stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
