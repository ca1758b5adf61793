// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides Gin middleware for the control API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const roleHeader = "X-Showrunner-Role"

// BearerAuth enforces a static bearer token on every request. An empty
// configured token disables authentication entirely, which is the expected
// setup on a trusted LAN.
//
// Websocket clients cannot set an Authorization header from a browser, so the
// token is also accepted as a "token" query parameter.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		presented := extractBearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.Query("token")
		}
		if presented != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

// Role returns the caller's role from the request headers. Defaults to
// "operator" when absent; the plugin bridge interprets roles against its
// permission document.
func Role(c *gin.Context) string {
	if role := strings.TrimSpace(c.GetHeader(roleHeader)); role != "" {
		return role
	}
	return "operator"
}

// extractBearerToken pulls the token out of an "Authorization: Bearer <t>"
// header. Returns "" for any other shape.
func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
