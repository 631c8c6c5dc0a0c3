// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/middleware"
)

// stream serves one turn as an event stream.
//
// The pipeline runs on a context detached from the request: a client that
// disconnects mid-stream stops the heartbeat and stops receiving tokens, but
// generation runs to completion so the assistant turn is still persisted and
// readable on the next page load. Only the heartbeat watches the request
// context.
func (h *ChatHandler) stream(c *gin.Context, auth datatypes.AuthContext, req *datatypes.ChatQueryRequest) {
	requestID := middleware.GetRequestID(c)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		middleware.WriteError(c, apperrors.Wrap(apperrors.CodeInternal, "streaming not supported", err))
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.runHeartbeat(c.Request.Context(), writer, done, requestID)

	pipelineCtx := context.WithoutCancel(c.Request.Context())
	sink := datatypes.SinkFunc(writer.WriteEvent)
	if _, err := h.pipeline.ChatStream(pipelineCtx, auth, req, sink); err != nil {
		appErr := apperrors.From(err)
		slog.Error("Streaming chat turn failed",
			"request_id", requestID, "code", appErr.Code, "error", err)
		if werr := writer.WriteEvent(datatypes.ErrorEvent(
			string(appErr.Code), appErr.Message, requestID,
		)); werr != nil {
			slog.Debug("Could not deliver terminal error event", "request_id", requestID, "error", werr)
		}
	}
}

// runHeartbeat emits keep-alive comments until the turn completes or the
// client goes away. Disconnect cancels nothing but this loop.
func (h *ChatHandler) runHeartbeat(reqCtx context.Context, writer SSEWriter, done <-chan struct{}, requestID string) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keep-alive write failed, stopping heartbeat", "request_id", requestID)
				return
			}
		case <-reqCtx.Done():
			slog.Debug("Client disconnected, stopping heartbeat", "request_id", requestID)
			return
		case <-done:
			return
		}
	}
}
