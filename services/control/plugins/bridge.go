// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plugins gates third-party vendor calls behind an explicit
// allow/deny policy and keeps a short ring of inbound vendor events for
// operator visibility.
package plugins

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

// Permission is one vendor's policy entry. Empty AllowedRequests or
// AllowedRoles means "all"; the wildcard "*" in AllowedRequests matches any
// request type.
type Permission struct {
	Enabled         bool     `json:"enabled"`
	AllowedRequests []string `json:"allowedRequests,omitempty"`
	AllowedRoles    []string `json:"allowedRoles,omitempty"`
}

type permissionDoc struct {
	DefaultAllow *bool                 `json:"defaultAllow,omitempty"`
	Vendors      map[string]Permission `json:"vendors"`
}

// VendorCall is one outbound vendor request.
type VendorCall struct {
	VendorName  string         `json:"vendorName"`
	RequestType string         `json:"requestType"`
	Role        string         `json:"role,omitempty"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

// VendorEvent is one inbound vendor notification.
type VendorEvent struct {
	VendorName string         `json:"vendorName"`
	EventType  string         `json:"eventType"`
	EventData  map[string]any `json:"eventData,omitempty"`
	At         time.Time      `json:"at"`
}

// StatusView is the bridge snapshot for the status surface.
type StatusView struct {
	DefaultAllow bool   `json:"defaultAllow"`
	VendorCount  int    `json:"vendorCount"`
	RecentEvents int    `json:"recentEvents"`
	LastDenial   string `json:"lastDenial,omitempty"`
}

// Bridge is the permission-checked vendor pass-through.
type Bridge struct {
	eng   obs.Engine
	guard *safety.Manager
	log   *logging.Logger
	path  string
	now   func() time.Time

	mu           sync.Mutex
	defaultAllow bool
	vendors      map[string]Permission
	events       []VendorEvent // newest first
	eventCap     int
	lastDenial   string
	unsubEvents  func()
	subs         map[int]func(StatusView)
	nextSubID    int
}

// New creates the bridge and performs the initial permission load. A missing
// document is not fatal: the bridge starts with no entries and the
// configured default policy.
func New(eng obs.Engine, guard *safety.Manager, path string, defaultAllow bool, eventCap int, log *logging.Logger) *Bridge {
	if eventCap < 1 {
		eventCap = 50
	}
	b := &Bridge{
		eng:          eng,
		guard:        guard,
		log:          log.With("component", "plugins"),
		path:         path,
		now:          time.Now,
		defaultAllow: defaultAllow,
		vendors:      make(map[string]Permission),
		eventCap:     eventCap,
		subs:         make(map[int]func(StatusView)),
	}
	if err := b.Reload(); err != nil {
		b.log.Warn("initial permission load failed", "error", err)
	}
	return b
}

// Start subscribes to inbound vendor events.
func (b *Bridge) Start() {
	b.mu.Lock()
	already := b.unsubEvents != nil
	b.mu.Unlock()
	if already {
		return
	}
	unsub := b.eng.OnEvent("VendorEvent", b.handleVendorEvent)
	b.mu.Lock()
	b.unsubEvents = unsub
	b.mu.Unlock()
}

// Stop unsubscribes from vendor events.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsub := b.unsubEvents
	b.unsubEvents = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Reload replaces the permission table wholesale from the document. A
// structural parse failure rejects the reload and keeps the previous table.
func (b *Bridge) Reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return datatypes.NewBadRequest("read permissions document: %v", err)
	}
	var doc permissionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return datatypes.NewBadRequest("parse permissions document: %v", err)
	}
	b.mu.Lock()
	if doc.Vendors != nil {
		b.vendors = doc.Vendors
	} else {
		b.vendors = make(map[string]Permission)
	}
	if doc.DefaultAllow != nil {
		b.defaultAllow = *doc.DefaultAllow
	}
	count := len(b.vendors)
	b.mu.Unlock()
	b.log.Info("vendor permissions loaded", "vendors", count)
	b.notify()
	return nil
}

// CallVendor guards, permission-checks, and forwards one vendor request.
// Denials are 403 with a reason; engine failures after permission passes are
// upstream errors, so callers can tell "not allowed" from "call failed".
func (b *Bridge) CallVendor(ctx context.Context, call VendorCall) (map[string]any, error) {
	if call.VendorName == "" || call.RequestType == "" {
		return nil, datatypes.NewBadRequest("vendorName and requestType are required")
	}
	if err := b.guard.Assert("plugins.callVendor", safety.GuardOpts{}); err != nil {
		return nil, err
	}
	if err := b.checkPermission(call); err != nil {
		return nil, err
	}

	resp, err := b.eng.Call(ctx, "CallVendorRequest", map[string]any{
		"vendorName":  call.VendorName,
		"requestType": call.RequestType,
		"requestData": call.RequestData,
	})
	if err != nil {
		return nil, datatypes.Wrap(err)
	}
	if inner, ok := resp["responseData"].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func (b *Bridge) checkPermission(call VendorCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	deny := func(reason string) error {
		b.lastDenial = reason
		b.log.Info("vendor call denied", "vendor", call.VendorName, "request", call.RequestType, "reason", reason)
		return datatypes.NewForbidden("%s", reason)
	}

	perm, known := b.vendors[call.VendorName]
	if !known {
		if b.defaultAllow {
			return nil
		}
		return deny("vendor " + call.VendorName + " has no permission entry")
	}
	if !perm.Enabled {
		return deny("vendor " + call.VendorName + " is disabled")
	}
	if len(perm.AllowedRoles) > 0 && !contains(perm.AllowedRoles, call.Role) {
		return deny("role " + call.Role + " not allowed for vendor " + call.VendorName)
	}
	if len(perm.AllowedRequests) > 0 && !contains(perm.AllowedRequests, "*") && !contains(perm.AllowedRequests, call.RequestType) {
		return deny("request " + call.RequestType + " not allowed for vendor " + call.VendorName)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// handleVendorEvent pushes one inbound event onto the newest-first ring.
func (b *Bridge) handleVendorEvent(data map[string]any) {
	ev := VendorEvent{At: b.now()}
	ev.VendorName, _ = data["vendorName"].(string)
	ev.EventType, _ = data["eventType"].(string)
	ev.EventData, _ = data["eventData"].(map[string]any)

	b.mu.Lock()
	b.events = append([]VendorEvent{ev}, b.events...)
	if len(b.events) > b.eventCap {
		b.events = b.events[:b.eventCap]
	}
	b.mu.Unlock()
	b.notify()
}

// Events returns a copy of the recent vendor events, newest first.
func (b *Bridge) Events() []VendorEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]VendorEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Snapshot returns the current status view.
func (b *Bridge) Snapshot() StatusView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bridge) snapshotLocked() StatusView {
	return StatusView{
		DefaultAllow: b.defaultAllow,
		VendorCount:  len(b.vendors),
		RecentEvents: len(b.events),
		LastDenial:   b.lastDenial,
	}
}

// Subscribe registers a status listener. The returned function removes it.
func (b *Bridge) Subscribe(fn func(StatusView)) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) notify() {
	b.mu.Lock()
	snap := b.snapshotLocked()
	listeners := make([]func(StatusView), 0, len(b.subs))
	for _, fn := range b.subs {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
