// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval performs vector search over the org's document chunks.
//
// Each org's chunks live in their own Weaviate tenant, so isolation is
// enforced by the database rather than by a filter the caller could forget.
// Transient Weaviate failures are retried with the vector policy; exhaustion
// surfaces as VECTOR_DB_UNAVAILABLE so the pipeline can degrade to an
// answer without citations.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/resilience"
	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/observability"
)

var tracer = otel.Tracer("helmline.chat.retrieval")

// ClassDocumentChunk is the Weaviate class holding ingested document chunks.
const ClassDocumentChunk = "DocumentChunk"

// Searcher finds document chunks relevant to an embedded query.
type Searcher interface {
	Search(ctx context.Context, orgID string, vector []float32, topK int, minScore float64) ([]datatypes.RetrievedPassage, error)
}

// WeaviateSearcher implements Searcher against a multi-tenant Weaviate
// deployment. Safe for concurrent use; the client pools connections.
type WeaviateSearcher struct {
	client *weaviate.Client
	retry  resilience.RetryPolicy
}

var _ Searcher = (*WeaviateSearcher)(nil)

// NewWeaviateSearcher creates a searcher on an already-connected client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	retry := resilience.VectorPolicy()
	retry.OnRetry = observability.CountRetry
	return &WeaviateSearcher{
		client: client,
		retry:  retry,
	}
}

// chunkQueryResponse mirrors the GraphQL response shape for DocumentChunk.
type chunkQueryResponse struct {
	Get struct {
		DocumentChunk []chunkResult `json:"DocumentChunk"`
	} `json:"Get"`
}

type chunkResult struct {
	Content    string `json:"content"`
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// Search runs a NearVector query inside the org's tenant and returns the
// passages whose certainty clears minScore, best match first.
func (s *WeaviateSearcher) Search(
	ctx context.Context,
	orgID string,
	vector []float32,
	topK int,
	minScore float64,
) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("org.id", orgID),
		attribute.Int("search.top_k", topK),
	)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	// Certainty is always in [0,1], unlike distance which depends on the
	// configured metric.
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "filename"},
		{Name: "document_id"},
		{Name: "chunk_index"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	var result *models.GraphQLResponse
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var doErr error
		result, doErr = s.client.GraphQL().Get().
			WithClassName(ClassDocumentChunk).
			WithTenant(orgID).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(topK).
			Do(ctx)
		if doErr != nil {
			return classifyWeaviateError(doErr)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("weaviate graphql error: %s", result.Errors[0].Message)
		}
		return nil
	})
	if err != nil {
		slog.Error("Vector search failed after retries", "org_id", orgID, "error", err)
		return nil, apperrors.Wrap(apperrors.CodeVectorDBUnavailable, "vector search unavailable", err)
	}

	parsed, err := parseChunkResponse(result)
	if err != nil {
		slog.Error("Failed to parse vector search results", "error", err)
		return nil, apperrors.Wrap(apperrors.CodeVectorDBUnavailable, "vector search returned malformed results", err)
	}

	passages := make([]datatypes.RetrievedPassage, 0, len(parsed.Get.DocumentChunk))
	for _, hit := range parsed.Get.DocumentChunk {
		if hit.Additional.Certainty < minScore {
			continue
		}
		passages = append(passages, datatypes.RetrievedPassage{
			DocumentID: hit.DocumentID,
			Filename:   hit.Filename,
			ChunkIndex: hit.ChunkIndex,
			Content:    hit.Content,
			Score:      hit.Additional.Certainty,
		})
	}
	slog.Debug("Vector search completed",
		"org_id", orgID, "hits", len(parsed.Get.DocumentChunk), "kept", len(passages))
	return passages, nil
}

// classifyWeaviateError attaches the HTTP status of a client error so the
// retry policy can tell a bad request from an outage.
func classifyWeaviateError(err error) error {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode > 0 {
		return resilience.NewStatusError(clientErr.StatusCode, clientErr.Error())
	}
	return err
}

func parseChunkResponse(resp *models.GraphQLResponse) (*chunkQueryResponse, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	return decodeGraphQLData[chunkQueryResponse](resp.Data)
}
