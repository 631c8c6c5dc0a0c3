// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/middleware"
	"github.com/helmline/helmline/services/chat/observability"
	"github.com/helmline/helmline/services/chat/services"
)

var handlerTracer = otel.Tracer("helmline.chat.handlers")

// defaultHeartbeat is the keep-alive interval for streamed responses.
const defaultHeartbeat = 15 * time.Second

// ChatHandler serves POST /v1/chat/query in both buffered and streaming
// mode.
type ChatHandler struct {
	pipeline  *services.Pipeline
	heartbeat time.Duration
}

// NewChatHandler creates the handler. A zero heartbeat takes the default.
func NewChatHandler(pipeline *services.Pipeline, heartbeat time.Duration) *ChatHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &ChatHandler{pipeline: pipeline, heartbeat: heartbeat}
}

// Query handles one chat turn. The delivery mode is selected by
// options.stream in the request body.
func (h *ChatHandler) Query(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "handlers.ChatQuery")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		middleware.WriteError(c, apperrors.New(apperrors.CodeInternal, "auth context missing"))
		return
	}

	var req datatypes.ChatQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed request body", err))
		return
	}
	// Validation happens before the stream opens so a bad request gets its
	// proper status code instead of a 200 with an in-stream error event.
	if err := req.Validate(); err != nil {
		middleware.WriteError(c, err)
		return
	}

	started := time.Now()
	if req.Options.Stream {
		h.stream(c, auth, &req)
		observability.ObserveChatTurn("stream", time.Since(started))
		return
	}

	resp, err := h.pipeline.Chat(ctx, auth, &req)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	observability.ObserveChatTurn("buffered", time.Since(started))
	c.JSON(http.StatusOK, resp)
}
