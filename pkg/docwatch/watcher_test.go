// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package docwatch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
)

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var fired atomic.Int32
	w, err := New(path, 20*time.Millisecond, logging.Discard(), func() { fired.Add(1) })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"enabled":true}`), 0o644))
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// A sibling file in the same directory does not trigger the callback.
	before := fired.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, fired.Load())
}

func TestWatchDirDebounce(t *testing.T) {
	dir := t.TempDir()

	var fired atomic.Int32
	w, err := New(dir, 50*time.Millisecond, logging.Discard(), func() { fired.Add(1) })
	require.NoError(t, err)
	defer w.Close()

	// A burst of writes inside the debounce window collapses to one callback.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{}`), 0o644))
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), int32(2))
}

func TestWatchMissingPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "ghost", "rules.json"), time.Millisecond, logging.Discard(), func() {})
	assert.Error(t, err)
}
