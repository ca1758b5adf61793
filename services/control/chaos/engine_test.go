// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chaos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

type fakeCall struct {
	RequestType string
	Data        map[string]any
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []fakeCall
	batches [][]obs.BatchRequest
	respond func(requestType string, data map[string]any) (map[string]any, error)
}

func (f *fakeEngine) Call(_ context.Context, requestType string, data map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{RequestType: requestType, Data: data})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(requestType, data)
	}
	return map[string]any{}, nil
}

func (f *fakeEngine) CallBatch(_ context.Context, requests []obs.BatchRequest, _ obs.BatchOptions) ([]obs.BatchResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, requests)
	f.mu.Unlock()
	results := make([]obs.BatchResult, len(requests))
	for i, r := range requests {
		results[i] = obs.BatchResult{RequestType: r.RequestType, Success: true}
	}
	return results, nil
}

func (f *fakeEngine) OnEvent(string, obs.EventHandler) func() { return func() {} }

func (f *fakeEngine) callTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.RequestType
	}
	return out
}

func writePreset(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestEngine(t *testing.T, dir string) (*Engine, *fakeEngine) {
	t.Helper()
	fake := &fakeEngine{}
	guard := safety.NewManager(time.Minute, 1000, logging.Discard())
	return NewEngine(dir, fake, guard, logging.Discard()), fake
}

func TestLoadIsolatesBrokenDocuments(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "good.json", `{"id":"good","name":"Good","steps":[{"kind":"setProgramScene","scene":"Main"}]}`)
	writePreset(t, dir, "broken.json", `{"id":"broken","steps":`)
	writePreset(t, dir, "badkind.json", `{"id":"badkind","steps":[{"kind":"teleport"}]}`)
	writePreset(t, dir, "notes.txt", `ignore me`)

	e, _ := newTestEngine(t, dir)
	report := e.LastLoadReport()
	assert.Equal(t, 1, report.Loaded)
	assert.Len(t, report.Failed, 2)
	assert.Contains(t, report.Failed, "broken.json")
	assert.Contains(t, report.Failed, "badkind.json")

	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestLoadYAMLPreset(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "spin.yaml", `
id: spin
name: Spin the cam
cooldownMs: 5000
steps:
  - kind: serial
    steps:
      - kind: setProgramScene
        scene: "Cam B"
      - kind: sleep
        durationMs: 250
`)
	e, _ := newTestEngine(t, dir)
	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, "spin", list[0].ID)
	assert.Equal(t, int64(5000), list[0].CooldownMs)
	assert.Equal(t, 3, list[0].StepCount)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "a.json", `{"id":"dup","steps":[{"kind":"sleep","durationMs":10}]}`)
	writePreset(t, dir, "b.json", `{"id":"dup","steps":[{"kind":"sleep","durationMs":10}]}`)

	e, _ := newTestEngine(t, dir)
	report := e.LastLoadReport()
	assert.Equal(t, 1, report.Loaded)
	assert.Contains(t, report.Failed, "b.json")
}

func TestRunExecutesStepsInOrder(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{
		"id": "p",
		"steps": [
			{"kind": "setProgramScene", "scene": "Main"},
			{"kind": "sceneTransition", "transition": "Fade", "durationMs": 300},
			{"kind": "sourceFilter", "source": "Cam", "filter": "Glitch", "enabled": true},
			{"kind": "rawRequest", "requestType": "TriggerStudioModeTransition"}
		]
	}`)
	e, fake := newTestEngine(t, dir)

	res, err := e.Run(context.Background(), "p", "operator")
	require.NoError(t, err)
	assert.Equal(t, "p", res.PresetID)
	assert.Equal(t, []string{
		"SetCurrentProgramScene",
		"SetCurrentSceneTransition",
		"SetCurrentSceneTransitionDuration",
		"SetSourceFilterEnabled",
		"TriggerStudioModeTransition",
	}, fake.callTypes())
}

func TestRunResolvesSceneItemIDs(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{
		"id": "p",
		"steps": [{"kind": "sceneItemEnabled", "scene": "Main", "source": "Logo", "enabled": false}]
	}`)
	e, fake := newTestEngine(t, dir)
	fake.respond = func(requestType string, _ map[string]any) (map[string]any, error) {
		if requestType == "GetSceneItemId" {
			return map[string]any{"sceneItemId": float64(7)}, nil
		}
		return map[string]any{}, nil
	}

	_, err := e.Run(context.Background(), "p", "operator")
	require.NoError(t, err)
	require.Equal(t, []string{"GetSceneItemId", "SetSceneItemEnabled"}, fake.callTypes())
	assert.Equal(t, float64(7), fake.calls[1].Data["sceneItemId"])
	assert.Equal(t, false, fake.calls[1].Data["sceneItemEnabled"])
}

func TestRunUnknownPreset(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir())
	_, err := e.Run(context.Background(), "nope", "operator")
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeNotFound, typed.Code)
}

func TestRunCooldown(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{"id":"p","cooldownMs":60000,"steps":[{"kind":"setProgramScene","scene":"Main"}]}`)
	e, _ := newTestEngine(t, dir)
	clock := time.Now()
	e.now = func() time.Time { return clock }

	_, err := e.Run(context.Background(), "p", "operator")
	require.NoError(t, err)

	_, err = e.Run(context.Background(), "p", "operator")
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeCooldown, typed.Code)
	assert.Greater(t, typed.RetryAfterMs, int64(0))

	// Cooldown survives a reload of the same document.
	e.Reload()
	_, err = e.Run(context.Background(), "p", "operator")
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeCooldown, typed.Code)

	clock = clock.Add(61 * time.Second)
	_, err = e.Run(context.Background(), "p", "operator")
	assert.NoError(t, err)
}

func TestRunFailureDoesNotStampCooldown(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{"id":"p","cooldownMs":60000,"steps":[{"kind":"setProgramScene","scene":"Main"}]}`)
	e, fake := newTestEngine(t, dir)
	fail := true
	fake.respond = func(string, map[string]any) (map[string]any, error) {
		if fail {
			return nil, fmt.Errorf("engine exploded")
		}
		return map[string]any{}, nil
	}

	_, err := e.Run(context.Background(), "p", "operator")
	require.Error(t, err)

	// A failed run can be retried from the top immediately.
	fail = false
	_, err = e.Run(context.Background(), "p", "operator")
	assert.NoError(t, err)
}

func TestRunSingleFlight(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "slow.json", `{"id":"slow","steps":[{"kind":"sleep","durationMs":500}]}`)
	writePreset(t, dir, "fast.json", `{"id":"fast","steps":[{"kind":"setProgramScene","scene":"Main"}]}`)
	e, _ := newTestEngine(t, dir)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := e.Run(context.Background(), "slow", "operator")
		done <- err
	}()
	<-started
	require.Eventually(t, func() bool { return e.Running() == "slow" }, time.Second, 5*time.Millisecond)

	_, err := e.Run(context.Background(), "fast", "operator")
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeConflict, typed.Code)

	require.NoError(t, <-done)
	assert.Empty(t, e.Running())
}

func TestRunKillSwitchBlocks(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{"id":"p","steps":[{"kind":"setProgramScene","scene":"Main"}]}`)
	fake := &fakeEngine{}
	guard := safety.NewManager(time.Minute, 1000, logging.Discard())
	e := NewEngine(dir, fake, guard, logging.Discard())

	guard.SetKillSwitch(true, "test")
	_, err := e.Run(context.Background(), "p", "operator")
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeKillSwitch, typed.Code)
	assert.Empty(t, fake.callTypes())
}

func TestRunParallelSiblingsAllComplete(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{
		"id": "p",
		"steps": [{"kind": "parallel", "steps": [
			{"kind": "rawRequest", "requestType": "FailMe"},
			{"kind": "rawRequest", "requestType": "AlsoRun"}
		]}]
	}`)
	e, fake := newTestEngine(t, dir)
	fake.respond = func(requestType string, _ map[string]any) (map[string]any, error) {
		if requestType == "FailMe" {
			return nil, fmt.Errorf("nope")
		}
		return map[string]any{}, nil
	}

	_, err := e.Run(context.Background(), "p", "operator")
	require.Error(t, err)
	// The failing sibling did not cancel the other.
	assert.ElementsMatch(t, []string{"FailMe", "AlsoRun"}, fake.callTypes())
}

func TestRunBatchStep(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "p.json", `{
		"id": "p",
		"steps": [{"kind": "batch", "executionType": "serialFrame", "haltOnFailure": true, "requests": [
			{"requestType": "SetSceneItemEnabled", "requestData": {"sceneName": "Main"}},
			{"requestType": "Sleep", "requestData": {"sleepFrames": 2}}
		]}]
	}`)
	e, fake := newTestEngine(t, dir)

	_, err := e.Run(context.Background(), "p", "operator")
	require.NoError(t, err)
	require.Len(t, fake.batches, 1)
	assert.Len(t, fake.batches[0], 2)
	assert.Equal(t, "Sleep", fake.batches[0][1].RequestType)
}

func TestValidateStepTable(t *testing.T) {
	cases := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"missing kind", Step{}, "missing kind"},
		{"unknown kind", Step{Kind: "explode"}, "unknown step kind"},
		{"empty serial", Step{Kind: KindSerial}, "requires children"},
		{"sleep zero", Step{Kind: KindSleep}, "durationMs"},
		{"sleep too long", Step{Kind: KindSleep, DurationMs: 120_000}, "durationMs"},
		{"scene missing", Step{Kind: KindSetProgramScene}, "requires scene"},
		{"transform missing", Step{Kind: KindSceneItemMove, Scene: "a", Source: "b"}, "transform"},
		{"filter action missing", Step{Kind: KindSourceFilter, Source: "a", Filter: "b"}, "enabled or settings"},
		{"raw missing type", Step{Kind: KindRawRequest}, "requestType"},
		{"batch empty", Step{Kind: KindBatch}, "requires requests"},
		{"batch bad exec", Step{Kind: KindBatch, Requests: []BatchStep{{RequestType: "X"}}, ExecutionType: "warp"}, "executionType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateStep(&tc.step, 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	ok := Step{Kind: KindSerial, Steps: []Step{
		{Kind: KindSleep, DurationMs: 100},
		{Kind: KindParallel, Steps: []Step{{Kind: KindSetProgramScene, Scene: "Main"}}},
	}}
	assert.NoError(t, validateStep(&ok, 1))
}

func TestValidateDepthLimit(t *testing.T) {
	step := Step{Kind: KindSleep, DurationMs: 10}
	for i := 0; i < maxStepDepth+1; i++ {
		step = Step{Kind: KindSerial, Steps: []Step{step}}
	}
	err := validateStep(&step, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting")
}
