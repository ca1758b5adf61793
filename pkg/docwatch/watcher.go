// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package docwatch watches a config document (file or directory) and invokes
// a reload callback after filesystem changes settle. Editors and deploy tools
// write files in bursts (truncate, write, rename), so events are debounced:
// the callback fires once per burst, never per event.
package docwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/calliope-media/showrunner/pkg/logging"
)

// Watcher debounces change events for one path. Close it when done.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *logging.Logger
	path     string
	fileOnly string // non-empty when watching a single file inside its dir
	debounce time.Duration
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// New starts watching path. If path is a file, its parent directory is
// watched and events are filtered to that file, because most editors replace
// the inode on save. onChange runs on the watcher goroutine; keep it quick or
// hand off.
func New(path string, debounce time.Duration, log *logging.Logger, onChange func()) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	watchTarget := path
	fileOnly := ""
	if !info.IsDir() {
		watchTarget = filepath.Dir(path)
		fileOnly = filepath.Base(path)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(watchTarget); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", watchTarget, err)
	}

	w := &Watcher{
		fsw:      fsw,
		log:      log.With("component", "docwatch", "path", path),
		path:     path,
		fileOnly: fileOnly,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher. A pending debounced callback is cancelled.
func (w *Watcher) Close() {
	close(w.done)
	w.fsw.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if w.fileOnly != "" && filepath.Base(ev.Name) != w.fileOnly {
		return false
	}
	return true
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		w.log.Debug("document changed, reloading")
		w.onChange()
	})
}
