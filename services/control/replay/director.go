// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package replay orchestrates replay-buffer captures as a sequence of
// independently-failable sub-steps. Losing an optional enhancement (media
// playback, lower-third, chapter marker) never loses the captured replay
// itself: only buffer readiness and the save call are hard failures.
package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

const maxLabelLen = 64

// Options carries the replay workflow configuration.
type Options struct {
	// AutoStart starts the replay buffer when a capture finds it inactive.
	AutoStart bool

	// Settle is how long to wait after the save call for the engine to
	// finish writing the file.
	Settle time.Duration

	// MediaInput, when set, receives the captured file for instant playback.
	MediaInput string

	// LowerThirdScene/Source, when both set, name the text source that shows
	// the capture label, and LowerThirdDuration is how long it stays up.
	LowerThirdScene    string
	LowerThirdSource   string
	LowerThirdDuration time.Duration

	// ChapterMarkers creates a record chapter per capture while recording.
	ChapterMarkers bool
}

// CaptureResult reports one capture. Optional-stage failures land in
// Diagnostics instead of failing the call.
type CaptureResult struct {
	Label             string    `json:"label"`
	Path              string    `json:"path,omitempty"`
	PlaybackTriggered bool      `json:"playbackTriggered"`
	OverlayShown      bool      `json:"overlayShown"`
	ChapterCreated    bool      `json:"chapterCreated"`
	Diagnostics       []string  `json:"diagnostics,omitempty"`
	At                time.Time `json:"at"`
}

// StatusView is the replay snapshot for the status surface.
type StatusView struct {
	LastCapture *CaptureResult `json:"lastCapture,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CaptureBusy bool           `json:"captureBusy"`
}

// StatusSource supplies recording state for the chapter-marker stage.
type StatusSource interface {
	Snapshot() obs.Status
}

// Director runs the capture workflow. Captures are serialized; status reads
// are concurrent-safe.
type Director struct {
	eng    obs.Engine
	status StatusSource
	guard  *safety.Manager
	log    *logging.Logger
	opts   Options
	now    func() time.Time

	captureMu sync.Mutex // serializes whole captures

	mu          sync.Mutex
	lastCapture *CaptureResult
	lastErr     string
	busy        bool
	hideTimer   *time.Timer
	itemCache   *itemCacheEntry
	subs        map[int]func(StatusView)
	nextSubID   int
}

type itemCacheEntry struct {
	scene  string
	source string
	itemID float64
}

// New creates the director.
func New(eng obs.Engine, status StatusSource, guard *safety.Manager, opts Options, log *logging.Logger) *Director {
	return &Director{
		eng:    eng,
		status: status,
		guard:  guard,
		log:    log.With("component", "replay"),
		opts:   opts,
		now:    time.Now,
		subs:   make(map[int]func(StatusView)),
	}
}

// Snapshot returns the current status view.
func (d *Director) Snapshot() StatusView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Director) snapshotLocked() StatusView {
	v := StatusView{LastError: d.lastErr, CaptureBusy: d.busy}
	if d.lastCapture != nil {
		c := *d.lastCapture
		v.LastCapture = &c
	}
	return v
}

// Subscribe registers a status listener. The returned function removes it.
func (d *Director) Subscribe(fn func(StatusView)) func() {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Director) notify() {
	d.mu.Lock()
	snap := d.snapshotLocked()
	listeners := make([]func(StatusView), 0, len(d.subs))
	for _, fn := range d.subs {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Capture saves the replay buffer and runs the optional presentation stages.
func (d *Director) Capture(ctx context.Context, label string) (*CaptureResult, error) {
	d.captureMu.Lock()
	defer d.captureMu.Unlock()

	if err := d.guard.Assert("replay.capture", safety.GuardOpts{}); err != nil {
		d.recordError(err)
		return nil, err
	}

	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	d.notify()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
		d.notify()
	}()

	result := &CaptureResult{Label: d.makeLabel(label), At: d.now()}

	// Hard stage 1: the buffer must be running (or auto-startable).
	if err := d.ensureBufferActive(ctx); err != nil {
		d.recordError(err)
		return nil, err
	}

	// Hard stage 2: the save itself.
	if _, err := d.eng.Call(ctx, "SaveReplayBuffer", nil); err != nil {
		wrapped := datatypes.Wrap(err)
		d.recordError(wrapped)
		return nil, wrapped
	}

	// Give the engine a moment to finish writing before asking for the path.
	if d.opts.Settle > 0 {
		timer := time.NewTimer(d.opts.Settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if resp, err := d.eng.Call(ctx, "GetLastReplayBufferReplay", nil); err != nil {
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("path query failed: %v", err))
	} else if path, ok := resp["savedReplayPath"].(string); ok {
		result.Path = path
	}

	d.playbackStage(ctx, result)
	d.overlayStage(ctx, result)
	d.chapterStage(ctx, result)

	d.mu.Lock()
	d.lastCapture = result
	d.lastErr = ""
	d.mu.Unlock()
	d.log.Info("replay captured", "label", result.Label, "path", result.Path,
		"playback", result.PlaybackTriggered, "overlay", result.OverlayShown, "chapter", result.ChapterCreated)
	return result, nil
}

// HideOverlay hides the lower-third immediately and cancels any scheduled
// auto-hide.
func (d *Director) HideOverlay(ctx context.Context) error {
	if d.opts.LowerThirdScene == "" || d.opts.LowerThirdSource == "" {
		return datatypes.NewBadRequest("no lower-third configured")
	}
	d.mu.Lock()
	if d.hideTimer != nil {
		d.hideTimer.Stop()
		d.hideTimer = nil
	}
	d.mu.Unlock()
	return d.setOverlayVisible(ctx, false)
}

func (d *Director) recordError(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
	d.notify()
}

func (d *Director) makeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "Replay " + d.now().Format("15:04:05")
	}
	if runes := []rune(label); len(runes) > maxLabelLen {
		label = string(runes[:maxLabelLen])
	}
	return label
}

func (d *Director) ensureBufferActive(ctx context.Context) error {
	resp, err := d.eng.Call(ctx, "GetReplayBufferStatus", nil)
	if err != nil {
		return datatypes.Wrap(err)
	}
	if active, _ := resp["outputActive"].(bool); active {
		return nil
	}
	if !d.opts.AutoStart {
		return datatypes.NewConflict("replay buffer is not active and auto-start is disabled")
	}
	if _, err := d.eng.Call(ctx, "StartReplayBuffer", nil); err != nil {
		return datatypes.Wrap(err)
	}
	d.log.Info("replay buffer auto-started")
	return nil
}

// playbackStage loads the file into the configured media input and restarts
// playback. Best-effort.
func (d *Director) playbackStage(ctx context.Context, result *CaptureResult) {
	if d.opts.MediaInput == "" || result.Path == "" {
		return
	}
	_, err := d.eng.Call(ctx, "SetInputSettings", map[string]any{
		"inputName":     d.opts.MediaInput,
		"inputSettings": map[string]any{"local_file": result.Path},
		"overlay":       true,
	})
	if err == nil {
		_, err = d.eng.Call(ctx, "TriggerMediaInputAction", map[string]any{
			"inputName":   d.opts.MediaInput,
			"mediaAction": "OBS_WEBSOCKET_MEDIA_INPUT_ACTION_RESTART",
		})
	}
	if err != nil {
		d.log.Warn("media playback stage failed", "error", err)
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("playback: %v", err))
		return
	}
	result.PlaybackTriggered = true
}

// overlayStage renders the label into the lower-third text source, shows it,
// and schedules the auto-hide. Best-effort.
func (d *Director) overlayStage(ctx context.Context, result *CaptureResult) {
	if d.opts.LowerThirdScene == "" || d.opts.LowerThirdSource == "" {
		return
	}
	text := result.Label
	if result.Path != "" {
		if i := strings.LastIndexByte(result.Path, '/'); i >= 0 {
			text = fmt.Sprintf("%s — %s", result.Label, result.Path[i+1:])
		}
	}
	_, err := d.eng.Call(ctx, "SetInputSettings", map[string]any{
		"inputName":     d.opts.LowerThirdSource,
		"inputSettings": map[string]any{"text": text},
		"overlay":       true,
	})
	if err == nil {
		err = d.setOverlayVisible(ctx, true)
	}
	if err != nil {
		d.log.Warn("lower-third stage failed", "error", err)
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("overlay: %v", err))
		return
	}
	result.OverlayShown = true

	if d.opts.LowerThirdDuration > 0 {
		d.mu.Lock()
		if d.hideTimer != nil {
			d.hideTimer.Stop()
		}
		d.hideTimer = time.AfterFunc(d.opts.LowerThirdDuration, func() {
			hideCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.setOverlayVisible(hideCtx, false); err != nil {
				d.log.Warn("lower-third auto-hide failed", "error", err)
			}
		})
		d.mu.Unlock()
	}
}

// chapterStage creates a record chapter, only while recording. Best-effort.
func (d *Director) chapterStage(ctx context.Context, result *CaptureResult) {
	if !d.opts.ChapterMarkers {
		return
	}
	if !d.status.Snapshot().Recording {
		return
	}
	_, err := d.eng.Call(ctx, "CreateRecordChapter", map[string]any{"chapterName": result.Label})
	if err != nil {
		d.log.Warn("chapter stage failed", "error", err)
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("chapter: %v", err))
		return
	}
	result.ChapterCreated = true
}

func (d *Director) setOverlayVisible(ctx context.Context, visible bool) error {
	itemID, err := d.lowerThirdItemID(ctx)
	if err != nil {
		return err
	}
	_, err = d.eng.Call(ctx, "SetSceneItemEnabled", map[string]any{
		"sceneName":        d.opts.LowerThirdScene,
		"sceneItemId":      itemID,
		"sceneItemEnabled": visible,
	})
	return err
}

// lowerThirdItemID resolves and caches the lower-third's scene-item id. The
// cache only holds while the configured scene+source pair is unchanged.
func (d *Director) lowerThirdItemID(ctx context.Context) (float64, error) {
	d.mu.Lock()
	if c := d.itemCache; c != nil && c.scene == d.opts.LowerThirdScene && c.source == d.opts.LowerThirdSource {
		id := c.itemID
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	resp, err := d.eng.Call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  d.opts.LowerThirdScene,
		"sourceName": d.opts.LowerThirdSource,
	})
	if err != nil {
		return 0, err
	}
	id, ok := resp["sceneItemId"].(float64)
	if !ok {
		return 0, fmt.Errorf("engine returned no sceneItemId for %q in %q", d.opts.LowerThirdSource, d.opts.LowerThirdScene)
	}
	d.mu.Lock()
	d.itemCache = &itemCacheEntry{scene: d.opts.LowerThirdScene, source: d.opts.LowerThirdSource, itemID: id}
	d.mu.Unlock()
	return id, nil
}
