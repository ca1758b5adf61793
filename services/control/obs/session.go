// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package obs

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
)

// Phase is the connection state machine phase.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

// Status is the point-in-time view of the engine session. Returned by value;
// the Stats map is a copy.
type Status struct {
	Phase            Phase          `json:"phase"`
	ReconnectAttempt int            `json:"reconnectAttempt"`
	NextRetryInMs    int64          `json:"nextRetryInMs"`
	LastError        string         `json:"lastError,omitempty"`
	ProgramScene     string         `json:"programScene,omitempty"`
	Streaming        bool           `json:"streaming"`
	Recording        bool           `json:"recording"`
	Stats            map[string]any `json:"stats,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// EventHandler receives one engine event's data payload.
type EventHandler func(data map[string]any)

// BatchRequest is one entry of an engine-native request batch.
type BatchRequest struct {
	RequestType string         `json:"requestType"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

// BatchOptions selects the engine-side batch execution semantics.
type BatchOptions struct {
	ExecutionType int  `json:"executionType"`
	HaltOnFailure bool `json:"haltOnFailure"`
}

// BatchResult is the per-request outcome of a batch.
type BatchResult struct {
	RequestType  string         `json:"requestType"`
	Success      bool           `json:"success"`
	Comment      string         `json:"comment,omitempty"`
	ResponseData map[string]any `json:"responseData,omitempty"`
}

// Engine is the narrow call surface every other component consumes. Tests
// substitute a fake; production code always gets the *Session.
type Engine interface {
	Call(ctx context.Context, requestType string, data map[string]any) (map[string]any, error)
	CallBatch(ctx context.Context, requests []BatchRequest, opts BatchOptions) ([]BatchResult, error)
	OnEvent(eventType string, fn EventHandler) (unsubscribe func())
}

// SessionConfig carries the connection settings for one Session.
type SessionConfig struct {
	URL           string
	Password      string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PollInterval  time.Duration
	CallTimeout   time.Duration
}

type engineEvent struct {
	name string
	data map[string]any
}

// Session maintains exactly one logical engine session across network flaps.
// All exported methods are safe for concurrent use.
type Session struct {
	cfg SessionConfig
	log *logging.Logger
	rng *rand.Rand

	mu             sync.Mutex
	phase          Phase
	attempt        int
	retryDeadline  time.Time
	lastErr        string
	programScene   string
	streaming      bool
	recording      bool
	stats          map[string]any
	cli            *client
	allowReconnect bool
	retryTimer     *time.Timer
	stopPoll       chan struct{}
	closed         bool

	subs      map[int]func(Status)
	nextSubID int

	eventSubs   map[string]map[int]EventHandler
	nextEventID int
	eventCh     chan engineEvent
	dispatchEnd chan struct{}
}

var _ Engine = (*Session)(nil)

// NewSession creates an idle session. Call Start to begin connecting.
func NewSession(cfg SessionConfig, log *logging.Logger) *Session {
	s := &Session{
		cfg:         cfg,
		log:         log.With("component", "obs"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		phase:       PhaseIdle,
		subs:        make(map[int]func(Status)),
		eventSubs:   make(map[string]map[int]EventHandler),
		eventCh:     make(chan engineEvent, 512),
		dispatchEnd: make(chan struct{}),
	}
	go s.dispatchLoop()
	// The session feeds its own snapshot from the engine's discrete change
	// events between polls.
	s.OnEvent("CurrentProgramSceneChanged", func(data map[string]any) {
		if name, ok := data["sceneName"].(string); ok {
			s.mu.Lock()
			s.programScene = name
			s.mu.Unlock()
			s.notify()
		}
	})
	s.OnEvent("StreamStateChanged", func(data map[string]any) {
		if active, ok := data["outputActive"].(bool); ok {
			s.mu.Lock()
			s.streaming = active
			s.mu.Unlock()
			s.notify()
		}
	})
	s.OnEvent("RecordStateChanged", func(data map[string]any) {
		if active, ok := data["outputActive"].(bool); ok {
			s.mu.Lock()
			s.recording = active
			s.mu.Unlock()
			s.notify()
		}
	})
	return s
}

// Start enables reconnection and begins the first connect attempt.
func (s *Session) Start() {
	s.mu.Lock()
	s.allowReconnect = true
	s.mu.Unlock()
	go s.connect()
}

// Connect is the manual connect command. Identical to Start; exists so the
// transport layer reads naturally.
func (s *Session) Connect() { s.Start() }

// Disconnect disables reconnection and closes any live connection. The
// session stays usable: a later Connect starts a fresh cycle.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.allowReconnect = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryDeadline = time.Time{}
	cli := s.cli
	if cli == nil {
		s.phase = PhaseDisconnected
	}
	s.mu.Unlock()
	if cli != nil {
		cli.close() // onClosed sets the disconnected phase
	} else {
		s.notify()
	}
}

// ForceReconnect drops the current connection (if any) and immediately dials
// again. It touches no counters itself; the close/connect path does.
func (s *Session) ForceReconnect() {
	s.mu.Lock()
	s.allowReconnect = false
	cli := s.cli
	s.mu.Unlock()
	if cli != nil {
		cli.close()
	}
	s.mu.Lock()
	s.allowReconnect = true
	s.mu.Unlock()
	go s.connect()
}

// Close shuts the session down for good.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.dispatchEnd)
	}
	s.mu.Unlock()
}

// Snapshot returns the current status. NextRetryInMs is recomputed from the
// stored absolute deadline on every read.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Status {
	var retryIn int64
	if !s.retryDeadline.IsZero() {
		if d := time.Until(s.retryDeadline); d > 0 {
			retryIn = d.Milliseconds()
		}
	}
	statsCopy := make(map[string]any, len(s.stats))
	for k, v := range s.stats {
		statsCopy[k] = v
	}
	return Status{
		Phase:            s.phase,
		ReconnectAttempt: s.attempt,
		NextRetryInMs:    retryIn,
		LastError:        s.lastErr,
		ProgramScene:     s.programScene,
		Streaming:        s.streaming,
		Recording:        s.recording,
		Stats:            statsCopy,
		UpdatedAt:        time.Now(),
	}
}

// Subscribe registers a status listener invoked synchronously on every state
// change. The returned function removes it.
func (s *Session) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify fans the fresh snapshot out to all subscribers. Listeners run
// outside the session lock so they may call back into Snapshot or Call.
func (s *Session) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	listeners := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// OnEvent subscribes to a named engine event. Multiple independent
// subscribers per event name are supported.
func (s *Session) OnEvent(eventType string, fn EventHandler) func() {
	s.mu.Lock()
	if s.eventSubs[eventType] == nil {
		s.eventSubs[eventType] = make(map[int]EventHandler)
	}
	id := s.nextEventID
	s.nextEventID++
	s.eventSubs[eventType][id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.eventSubs[eventType], id)
		s.mu.Unlock()
	}
}

// Call issues one request to the engine. It rejects immediately when the
// session is not connected; there is no queueing or buffering.
func (s *Session) Call(ctx context.Context, requestType string, data map[string]any) (map[string]any, error) {
	s.mu.Lock()
	cli := s.cli
	connected := s.phase == PhaseConnected && cli != nil
	s.mu.Unlock()
	if !connected {
		return nil, datatypes.NewNotConnected(requestType)
	}
	if _, has := ctx.Deadline(); !has && s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	resp, err := cli.call(ctx, requestType, data)
	if err != nil {
		return nil, datatypes.NewUpstream("engine call "+requestType+" failed", err)
	}
	return resp, nil
}

// CallBatch passes a request list to the engine's native batch primitive.
// Same connectivity precondition as Call.
func (s *Session) CallBatch(ctx context.Context, requests []BatchRequest, opts BatchOptions) ([]BatchResult, error) {
	s.mu.Lock()
	cli := s.cli
	connected := s.phase == PhaseConnected && cli != nil
	s.mu.Unlock()
	if !connected {
		return nil, datatypes.NewNotConnected("batch")
	}
	if _, has := ctx.Deadline(); !has && s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	results, err := cli.callBatch(ctx, requests, opts)
	if err != nil {
		return nil, datatypes.NewUpstream("engine batch failed", err)
	}
	return results, nil
}

// ---------------------------------------------------------------------------
// connect / reconnect machinery
// ---------------------------------------------------------------------------

func (s *Session) connect() {
	s.mu.Lock()
	if s.closed || s.phase == PhaseConnecting || s.phase == PhaseConnected {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()
	s.notify()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := dialEngine(ctx, s.cfg.URL, s.cfg.Password, s.log, clientHooks{
		onIdentified: s.handleIdentified,
		onEvent:      s.queueEvent,
		onClosed:     s.handleClosed,
	})
	if err != nil {
		s.handleConnectFailure(err)
		return
	}
	s.mu.Lock()
	// Disconnect or Close may have landed while the dial was in flight, or a
	// newer connect cycle may already hold a transport. The late dial must
	// not survive either.
	if !s.allowReconnect || s.closed || s.cli != nil {
		s.mu.Unlock()
		cli.close() // onClosed settles the disconnected phase
		return
	}
	s.cli = cli
	s.mu.Unlock()
	// Transport opened; the session is usable once the identify handshake
	// completes and handleIdentified fires.
}

func (s *Session) handleIdentified() {
	s.mu.Lock()
	if !s.allowReconnect || s.closed {
		cli := s.cli
		s.cli = nil
		s.mu.Unlock()
		if cli != nil {
			cli.close()
		}
		return
	}
	s.phase = PhaseConnected
	s.attempt = 0
	s.retryDeadline = time.Time{}
	s.lastErr = ""
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	stop := make(chan struct{})
	s.stopPoll = stop
	s.mu.Unlock()
	s.log.Info("engine session identified", "url", s.cfg.URL)
	s.notify()
	go s.pollLoop(stop)
	go s.refreshState()
}

func (s *Session) handleClosed(err error) {
	s.mu.Lock()
	s.cli = nil
	if s.stopPoll != nil {
		close(s.stopPoll)
		s.stopPoll = nil
	}
	if err != nil {
		s.lastErr = err.Error()
	}
	allow := s.allowReconnect
	if !allow {
		s.phase = PhaseDisconnected
	}
	s.mu.Unlock()

	if !allow {
		s.log.Info("engine session closed", "reconnect", false)
		s.notify()
		return
	}
	s.log.Warn("engine session dropped, scheduling reconnect", "error", s.lastError())
	s.scheduleReconnect()
}

func (s *Session) handleConnectFailure(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	allow := s.allowReconnect
	if !allow {
		s.phase = PhaseError
	} else {
		s.phase = PhaseReconnecting
	}
	s.mu.Unlock()
	if !allow {
		s.notify()
		return
	}
	s.log.Warn("engine connect attempt failed", "error", err)
	s.scheduleReconnect()
}

// scheduleReconnect arms the single outstanding retry timer. A second
// schedule request while one is pending is a no-op.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.retryTimer != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.attempt++
	delay := backoffDelay(s.attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax, s.rng.Float64())
	s.retryDeadline = time.Now().Add(delay)
	s.phase = PhaseReconnecting
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.retryDeadline = time.Time{}
		allow := s.allowReconnect
		s.mu.Unlock()
		if allow {
			s.connect()
		}
	})
	attempt := s.attempt
	s.mu.Unlock()
	s.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	s.notify()
}

// backoffDelay computes min(max, base*1.8^(attempt-1)) plus up to 15% uniform
// jitter of the exponential value, clamped again to max. jitterUnit must be
// in [0,1).
func backoffDelay(attempt int, base, max time.Duration, jitterUnit float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(1.8, float64(attempt-1))
	if exp > float64(max) {
		exp = float64(max)
	}
	withJitter := exp + exp*0.15*jitterUnit
	if withJitter > float64(max) {
		withJitter = float64(max)
	}
	return time.Duration(withJitter)
}

func (s *Session) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ---------------------------------------------------------------------------
// status refresh
// ---------------------------------------------------------------------------

func (s *Session) pollLoop(stop chan struct{}) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 4 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.refreshState()
		}
	}
}

// refreshState fetches the full engine state. Each fetch failure is isolated:
// one failing request does not block updating the fields the others
// delivered.
func (s *Session) refreshState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		wg        sync.WaitGroup
		streamRes map[string]any
		recordRes map[string]any
		sceneRes  map[string]any
		statsRes  map[string]any
	)
	fetch := func(requestType string, out *map[string]any) {
		defer wg.Done()
		resp, err := s.Call(ctx, requestType, nil)
		if err != nil {
			s.log.Debug("state refresh fetch failed", "request", requestType, "error", err)
			return
		}
		*out = resp
	}
	wg.Add(4)
	go fetch("GetStreamStatus", &streamRes)
	go fetch("GetRecordStatus", &recordRes)
	go fetch("GetCurrentProgramScene", &sceneRes)
	go fetch("GetStats", &statsRes)
	wg.Wait()

	s.mu.Lock()
	if v, ok := streamRes["outputActive"].(bool); ok {
		s.streaming = v
	}
	if v, ok := recordRes["outputActive"].(bool); ok {
		s.recording = v
	}
	if v, ok := sceneRes["currentProgramSceneName"].(string); ok {
		s.programScene = v
	} else if v, ok := sceneRes["sceneName"].(string); ok {
		s.programScene = v
	}
	if statsRes != nil {
		s.stats = statsRes
	}
	s.mu.Unlock()
	s.notify()
}

// ---------------------------------------------------------------------------
// event dispatch
// ---------------------------------------------------------------------------

// queueEvent runs on the client read goroutine. Dispatch happens on a
// dedicated goroutine so an event handler issuing an engine call cannot
// deadlock against the read loop. Order is preserved; on overflow the newest
// event is dropped (only the meter stream is realistically high-volume and a
// dropped meter frame is superseded milliseconds later).
func (s *Session) queueEvent(eventType string, data map[string]any) {
	select {
	case s.eventCh <- engineEvent{name: eventType, data: data}:
	default:
		s.log.Debug("event buffer full, dropping", "event", eventType)
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.dispatchEnd:
			return
		case ev := <-s.eventCh:
			s.mu.Lock()
			handlers := make([]EventHandler, 0, len(s.eventSubs[ev.name]))
			for _, fn := range s.eventSubs[ev.name] {
				handlers = append(handlers, fn)
			}
			s.mu.Unlock()
			for _, fn := range handlers {
				fn(ev.data)
			}
		}
	}
}
