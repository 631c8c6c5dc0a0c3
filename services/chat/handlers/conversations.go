// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/services/chat/datatypes"
	"github.com/helmline/helmline/services/chat/middleware"
	"github.com/helmline/helmline/services/chat/store"
)

// ConversationsHandler serves the conversation CRUD routes. Every operation
// is scoped to the caller's org and user from the auth context.
type ConversationsHandler struct {
	store store.ConversationStore
}

// NewConversationsHandler creates the handler.
func NewConversationsHandler(st store.ConversationStore) *ConversationsHandler {
	return &ConversationsHandler{store: st}
}

// Create handles POST /v1/chat/conversations.
func (h *ConversationsHandler) Create(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		middleware.WriteError(c, apperrors.New(apperrors.CodeInternal, "auth context missing"))
		return
	}

	var req datatypes.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed request body", err))
		return
	}
	if err := req.Validate(); err != nil {
		middleware.WriteError(c, err)
		return
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), auth.OrgID, auth.UserID, req.Title)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// List handles GET /v1/chat/conversations with limit/offset pagination.
func (h *ConversationsHandler) List(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		middleware.WriteError(c, apperrors.New(apperrors.CodeInternal, "auth context missing"))
		return
	}

	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}

	page, err := h.store.ListConversations(c.Request.Context(), auth.OrgID, auth.UserID, limit, offset)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Messages handles GET /v1/chat/conversations/:id/messages.
func (h *ConversationsHandler) Messages(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		middleware.WriteError(c, apperrors.New(apperrors.CodeInternal, "auth context missing"))
		return
	}

	msgs, err := h.store.ListMessages(c.Request.Context(), auth.OrgID, c.Param("id"))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Delete handles DELETE /v1/chat/conversations/:id.
func (h *ConversationsHandler) Delete(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		middleware.WriteError(c, apperrors.New(apperrors.CodeInternal, "auth context missing"))
		return
	}

	if err := h.store.DeleteConversation(c.Request.Context(), auth.OrgID, c.Param("id")); err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "invalid "+name+" parameter")
	}
	return v, nil
}
