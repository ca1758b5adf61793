// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the control API URL space onto the handlers.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calliope-media/showrunner/services/control/handlers"
	"github.com/calliope-media/showrunner/services/control/middleware"
)

// SetupRoutes registers every route on the router. An empty authToken leaves
// the API open; /health and /metrics are always unauthenticated.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, authToken string) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(middleware.BearerAuth(authToken))
	{
		api.GET("/status", h.Status)
		api.GET("/ws", h.Hub.Serve)

		connection := api.Group("/connection")
		{
			connection.POST("/connect", h.Connect)
			connection.POST("/disconnect", h.Disconnect)
			connection.POST("/reconnect", h.Reconnect)
		}

		safety := api.Group("/safety")
		{
			safety.POST("/killswitch", h.SetKillSwitch)
		}

		chaos := api.Group("/chaos")
		{
			chaos.GET("/presets", h.ListPresets)
			chaos.POST("/presets/reload", h.ReloadPresets)
			chaos.POST("/run", h.RunPreset)
		}

		director := api.Group("/director")
		{
			director.GET("/rules", h.DirectorRules)
			director.POST("/reload", h.ReloadRules)
			director.POST("/rules/:id/enable", h.SetRuleEnabled)
			director.POST("/enable", h.SetDirectorEnabled)
		}

		replay := api.Group("/replay")
		{
			replay.POST("/capture", h.CaptureReplay)
			replay.POST("/overlay/hide", h.HideReplayOverlay)
		}

		vendor := api.Group("/vendor")
		{
			vendor.POST("/call", h.CallVendor)
			vendor.POST("/permissions/reload", h.ReloadPermissions)
			vendor.GET("/events", h.VendorEvents)
		}

		api.GET("/events", h.RecentEvents)
		api.GET("/report", h.Report)
		api.POST("/overlay/test", h.OverlayTest)
	}
}
