// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/resilience"
)

// newTestSearcher points a searcher at a stub Weaviate server with backoff
// shrunk so retry tests finish quickly.
func newTestSearcher(t *testing.T, handler http.Handler) *WeaviateSearcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Scheme: "http",
	})
	require.NoError(t, err)

	retry := resilience.VectorPolicy()
	retry.Base = time.Millisecond
	retry.Max = 2 * time.Millisecond
	return &WeaviateSearcher{client: client, retry: retry}
}

func graphqlResponse(chunks ...map[string]any) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"Get": map[string]any{
				"DocumentChunk": chunks,
			},
		},
	}
}

func chunk(content, filename, docID string, certainty float64) map[string]any {
	return map[string]any{
		"content":     content,
		"filename":    filename,
		"document_id": docID,
		"_additional": map[string]any{"certainty": certainty},
	}
}

func TestSearch_ReturnsPassagesAboveMinScore(t *testing.T) {
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/graphql", r.URL.Path)
		json.NewEncoder(w).Encode(graphqlResponse(
			chunk("PTO accrues monthly", "handbook.pdf", "doc-1", 0.92),
			chunk("Unrelated paragraph", "misc.txt", "doc-2", 0.41),
		))
	}))

	passages, err := searcher.Search(context.Background(), "org-1", []float32{0.1, 0.2}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "doc-1", passages[0].DocumentID)
	assert.Equal(t, "handbook.pdf", passages[0].Filename)
	assert.InDelta(t, 0.92, passages[0].Score, 1e-9)
}

func TestSearch_QueriesOrgTenant(t *testing.T) {
	var gotQuery string
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotQuery = body.Query
		json.NewEncoder(w).Encode(graphqlResponse())
	}))

	_, err := searcher.Search(context.Background(), "org-acme", []float32{0.5}, 3, 0)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "org-acme",
		"query must carry the org tenant so isolation is enforced server side")
}

func TestSearch_EmptyResultsIsNotAnError(t *testing.T) {
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graphqlResponse())
	}))

	passages, err := searcher.Search(context.Background(), "org-1", []float32{0.1}, 5, 0.7)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestSearch_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(graphqlResponse(
			chunk("content", "file.pdf", "doc-1", 0.9),
		))
	}))

	passages, err := searcher.Search(context.Background(), "org-1", []float32{0.1}, 5, 0.5)
	require.NoError(t, err)
	assert.Len(t, passages, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_ExhaustionClassifiedAsUnavailable(t *testing.T) {
	var calls atomic.Int32
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	_, err := searcher.Search(context.Background(), "org-1", []float32{0.1}, 5, 0.5)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeVectorDBUnavailable))
	assert.Equal(t, int32(3), calls.Load(), "vector policy allows three attempts")
}

func TestSearch_GraphQLErrorsSurface(t *testing.T) {
	searcher := newTestSearcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "tenant not found"}},
		})
	}))

	_, err := searcher.Search(context.Background(), "org-1", []float32{0.1}, 5, 0.5)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeVectorDBUnavailable))
}
