// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/services/chat/observability"
)

// WriteError renders a classified error as the standard error body
// {code, message, request_id}. Wrapped internal detail is exposed only
// outside production.
func WriteError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	observability.CountError(string(appErr.Code))
	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(attribute.String("error.code", string(appErr.Code)))
	span.RecordError(appErr)
	body := appErr.Response(GetRequestID(c))
	if appErr.Err != nil && os.Getenv("HELMLINE_ENV") != "production" {
		body["detail"] = appErr.Err.Error()
	}
	c.JSON(appErr.Status, body)
}

// abortWithError renders the error and stops the middleware chain.
func abortWithError(c *gin.Context, err error) {
	WriteError(c, err)
	c.Abort()
}
