// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP handlers for the control API.
//
// Handlers do no business logic of their own: they bind the request, call the
// owning component, and translate its typed error into an HTTP status.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/chaos"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/director"
	"github.com/calliope-media/showrunner/services/control/eventlog"
	"github.com/calliope-media/showrunner/services/control/middleware"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/observability"
	"github.com/calliope-media/showrunner/services/control/overlay"
	"github.com/calliope-media/showrunner/services/control/plugins"
	"github.com/calliope-media/showrunner/services/control/replay"
	"github.com/calliope-media/showrunner/services/control/safety"
)

// Handlers bundles every component the API fronts.
type Handlers struct {
	Log      *logging.Logger
	Session  *obs.Session
	Safety   *safety.Manager
	Chaos    *chaos.Engine
	Director *director.Director
	Replay   *replay.Director
	Plugins  *plugins.Bridge
	Overlay  *overlay.Bridge
	Events   *eventlog.Store
	Metrics  *observability.Metrics
	Hub      *Hub
}

// writeError maps a component error onto the response. Unknown errors become
// 500s via datatypes.Wrap.
func writeError(c *gin.Context, err error) {
	typed := datatypes.Wrap(err)
	if m := observability.Default; m != nil {
		switch typed.Code {
		case datatypes.CodeKillSwitch:
			m.SafetyBlocksTotal.WithLabelValues("kill_switch").Inc()
		case datatypes.CodeRateLimited:
			m.SafetyBlocksTotal.WithLabelValues("rate_limited").Inc()
		}
	}
	body := gin.H{"error": typed.Message, "code": typed.Code}
	if typed.RetryAfterMs > 0 {
		body["retryAfterMs"] = typed.RetryAfterMs
	}
	c.JSON(typed.Status, body)
}

// rejected reports whether a failed command was refused by policy (safety
// gate, cooldown, single-flight) rather than failing upstream.
func rejected(err error) bool {
	typed := datatypes.Wrap(err)
	return typed.Status >= 400 && typed.Status < 500
}

// record writes an audit event. Failures are logged, never surfaced: the
// command already succeeded.
func (h *Handlers) record(c *gin.Context, kind, subject string, detail map[string]any) {
	if h.Events == nil {
		return
	}
	if err := h.Events.Record(c.Request.Context(), kind, subject, "api:"+middleware.Role(c), detail); err != nil {
		h.Log.Warn("audit record failed", "kind", kind, "error", err)
	}
}

// Status returns the combined snapshot of every component.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connection": h.Session.Snapshot(),
		"safety":     h.Safety.Snapshot(),
		"chaos": gin.H{
			"running":  h.Chaos.Running(),
			"lastLoad": h.Chaos.LastLoadReport(),
		},
		"director": h.Director.Snapshot(),
		"replay":   h.Replay.Snapshot(),
		"plugins":  h.Plugins.Snapshot(),
	})
}

// Connect starts (or restarts) the engine connection cycle.
func (h *Handlers) Connect(c *gin.Context) {
	h.Session.Connect()
	c.JSON(http.StatusAccepted, h.Session.Snapshot())
}

// Disconnect stops the connection cycle until the next Connect.
func (h *Handlers) Disconnect(c *gin.Context) {
	h.Session.Disconnect()
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

// Reconnect drops the current connection and dials again immediately.
func (h *Handlers) Reconnect(c *gin.Context) {
	h.Session.ForceReconnect()
	c.JSON(http.StatusAccepted, h.Session.Snapshot())
}

type killSwitchRequest struct {
	Enabled *bool  `json:"enabled" binding:"required"`
	Reason  string `json:"reason"`
}

// SetKillSwitch engages or releases the global kill switch.
func (h *Handlers) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewBadRequest("enabled is required"))
		return
	}
	state := h.Safety.SetKillSwitch(*req.Enabled, req.Reason)
	h.record(c, "safety.killswitch", "", map[string]any{"enabled": *req.Enabled, "reason": req.Reason})
	c.JSON(http.StatusOK, state)
}

// ListPresets returns every loaded chaos preset with live cooldown state.
func (h *Handlers) ListPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"presets":  h.Chaos.List(),
		"lastLoad": h.Chaos.LastLoadReport(),
	})
}

// ReloadPresets re-reads the preset directory.
func (h *Handlers) ReloadPresets(c *gin.Context) {
	report := h.Chaos.Reload()
	c.JSON(http.StatusOK, report)
}

type runPresetRequest struct {
	ID string `json:"id" binding:"required"`
}

// RunPreset executes one chaos preset.
func (h *Handlers) RunPreset(c *gin.Context) {
	var req runPresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewBadRequest("id is required"))
		return
	}
	triggeredBy := "api:" + middleware.Role(c)
	result, err := h.Chaos.Run(c.Request.Context(), req.ID, triggeredBy)
	if err != nil {
		status := "error"
		if rejected(err) {
			status = "rejected"
		}
		h.Metrics.ChaosRunsTotal.WithLabelValues(req.ID, status).Inc()
		writeError(c, err)
		return
	}
	h.Metrics.ChaosRunsTotal.WithLabelValues(req.ID, "ok").Inc()
	h.record(c, "chaos.run", req.ID, map[string]any{"elapsedMs": result.ElapsedMs})
	c.JSON(http.StatusOK, result)
}

// DirectorRules returns the rule table and director snapshot.
func (h *Handlers) DirectorRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rules":  h.Director.Rules(),
		"status": h.Director.Snapshot(),
	})
}

// ReloadRules re-reads the rules document.
func (h *Handlers) ReloadRules(c *gin.Context) {
	if err := h.Director.Reload(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Director.Snapshot())
}

type enableRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetDirectorEnabled toggles the auto director globally.
func (h *Handlers) SetDirectorEnabled(c *gin.Context) {
	var req enableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewBadRequest("enabled is required"))
		return
	}
	h.Director.SetEnabled(*req.Enabled)
	h.record(c, "director.enabled", "", map[string]any{"enabled": *req.Enabled})
	c.JSON(http.StatusOK, h.Director.Snapshot())
}

// SetRuleEnabled toggles one director rule by id.
func (h *Handlers) SetRuleEnabled(c *gin.Context) {
	var req enableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewBadRequest("enabled is required"))
		return
	}
	if err := h.Director.EnableRule(c.Param("id"), *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Director.Snapshot())
}

type captureRequest struct {
	Label string `json:"label"`
}

// CaptureReplay runs the replay capture workflow.
func (h *Handlers) CaptureReplay(c *gin.Context) {
	var req captureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, datatypes.NewBadRequest("malformed body"))
			return
		}
	}
	result, err := h.Replay.Capture(c.Request.Context(), req.Label)
	if err != nil {
		h.Metrics.ReplayCapturesTotal.WithLabelValues("error").Inc()
		writeError(c, err)
		return
	}
	h.Metrics.ReplayCapturesTotal.WithLabelValues("ok").Inc()
	h.record(c, "replay.capture", result.Label, map[string]any{"path": result.Path})
	c.JSON(http.StatusOK, result)
}

// HideReplayOverlay hides the lower-third immediately.
func (h *Handlers) HideReplayOverlay(c *gin.Context) {
	if err := h.Replay.HideOverlay(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hidden": true})
}

type vendorCallRequest struct {
	VendorName  string         `json:"vendorName" binding:"required"`
	RequestType string         `json:"requestType" binding:"required"`
	RequestData map[string]any `json:"requestData"`
}

// CallVendor forwards a vendor request through the permission-checked bridge.
// The caller's role comes from the request headers, never the body.
func (h *Handlers) CallVendor(c *gin.Context) {
	var req vendorCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewBadRequest("vendorName and requestType are required"))
		return
	}
	resp, err := h.Plugins.CallVendor(c.Request.Context(), plugins.VendorCall{
		VendorName:  req.VendorName,
		RequestType: req.RequestType,
		RequestData: req.RequestData,
		Role:        middleware.Role(c),
	})
	if err != nil {
		status := "error"
		if typed := datatypes.Wrap(err); typed.Code == datatypes.CodeForbidden {
			status = "denied"
		}
		h.Metrics.VendorCallsTotal.WithLabelValues(req.VendorName, status).Inc()
		writeError(c, err)
		return
	}
	h.Metrics.VendorCallsTotal.WithLabelValues(req.VendorName, "ok").Inc()
	h.record(c, "vendor.call", req.VendorName, map[string]any{"requestType": req.RequestType})
	c.JSON(http.StatusOK, gin.H{"responseData": resp})
}

// ReloadPermissions re-reads the vendor permission document.
func (h *Handlers) ReloadPermissions(c *gin.Context) {
	if err := h.Plugins.Reload(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Plugins.Snapshot())
}

// VendorEvents returns the recent vendor event ring, newest first.
func (h *Handlers) VendorEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.Plugins.Events()})
}

// RecentEvents returns the newest audit log entries.
func (h *Handlers) RecentEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	events, err := h.Events.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Report aggregates the audit log since a cutoff (default: last 24h).
func (h *Handlers) Report(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if ms := int64Query(c, "sinceMs", 0); ms > 0 {
		since = time.UnixMilli(ms)
	}
	report, err := h.Events.BuildReport(c.Request.Context(), since, intQuery(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// OverlayTest forwards a test action to the visuals sidecar.
func (h *Handlers) OverlayTest(c *gin.Context) {
	var action overlay.TestAction
	if err := c.ShouldBindJSON(&action); err != nil {
		writeError(c, datatypes.NewBadRequest("malformed body"))
		return
	}
	resp, err := h.Overlay.Forward(c.Request.Context(), action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": resp})
}

// Health is the unauthenticated liveness probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"phase":  h.Session.Snapshot().Phase,
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func int64Query(c *gin.Context, name string, fallback int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
