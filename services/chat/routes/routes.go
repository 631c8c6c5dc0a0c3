// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helmline/helmline/pkg/identity"
	"github.com/helmline/helmline/pkg/resilience"
	"github.com/helmline/helmline/services/chat/handlers"
	"github.com/helmline/helmline/services/chat/middleware"
	"github.com/helmline/helmline/services/chat/services"
	"github.com/helmline/helmline/services/chat/store"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Pipeline  *services.Pipeline
	Store     store.ConversationStore
	Validator identity.Validator
	Breaker   *resilience.CircuitBreaker
	Gate      middleware.GateConfig
}

// SetupRoutes registers the chat service's routes. Health and metrics are
// open; everything under /v1 sits behind the auth gate.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatHandler(deps.Pipeline, 0)
	convHandler := handlers.NewConversationsHandler(deps.Store)

	v1 := router.Group("/v1")
	v1.Use(middleware.RequestID())
	v1.Use(middleware.AuthGate(deps.Validator, deps.Breaker, deps.Gate))
	{
		v1.POST("/chat/query", chatHandler.Query)

		conversations := v1.Group("/chat/conversations")
		{
			conversations.POST("", convHandler.Create)
			conversations.GET("", convHandler.List)
			conversations.GET("/:id/messages", convHandler.Messages)
			conversations.DELETE("/:id", convHandler.Delete)
		}
	}
}
