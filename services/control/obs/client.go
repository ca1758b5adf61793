// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/calliope-media/showrunner/pkg/logging"
)

// EngineError is a request the engine accepted on the wire but rejected at
// the RPC level. Code is the protocol's RequestStatus code.
type EngineError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *EngineError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("engine rejected %s (code %d): %s", e.RequestType, e.Code, e.Comment)
	}
	return fmt.Sprintf("engine rejected %s (code %d)", e.RequestType, e.Code)
}

// clientHooks are the callbacks a client reports lifecycle events through.
// All hooks are invoked from the client's read goroutine.
type clientHooks struct {
	onIdentified func()
	onEvent      func(eventType string, data map[string]any)
	onClosed     func(err error)
}

// client owns exactly one websocket connection for its whole life. The
// session layer discards the client on close and dials a fresh one; there is
// no reconnect logic at this level.
type client struct {
	conn     *websocket.Conn
	log      *logging.Logger
	password string
	hooks    clientHooks

	writeMu sync.Mutex

	mu           sync.Mutex
	identified   bool
	closed       bool
	pending      map[string]chan requestResponsePayload
	pendingBatch map[string]chan batchResponsePayload
}

// dialEngine opens the websocket and starts the read loop. Identification is
// asynchronous: hooks.onIdentified fires once the handshake completes, and
// any failure before or after surfaces through hooks.onClosed.
func dialEngine(ctx context.Context, url, password string, log *logging.Logger, hooks clientHooks) (*client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}
	c := &client{
		conn:         conn,
		log:          log,
		password:     password,
		hooks:        hooks,
		pending:      make(map[string]chan requestResponsePayload),
		pendingBatch: make(map[string]chan batchResponsePayload),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) write(op int, payload any) error {
	data, err := marshalEnvelope(op, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// call issues one request and waits for its correlated response or ctx
// expiry. The caller is responsible for checking connectivity first; calling
// on an unidentified client fails immediately.
func (c *client) call(ctx context.Context, requestType string, data map[string]any) (map[string]any, error) {
	id := uuid.New().String()
	ch := make(chan requestResponsePayload, 1)

	c.mu.Lock()
	if c.closed || !c.identified {
		c.mu.Unlock()
		return nil, fmt.Errorf("session not identified")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(opRequest, requestPayload{RequestType: requestType, RequestID: id, RequestData: data}); err != nil {
		return nil, fmt.Errorf("write %s: %w", requestType, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed mid-request", requestType)
		}
		if !resp.RequestStatus.Result {
			return nil, &EngineError{RequestType: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		return resp.ResponseData, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", requestType, ctx.Err())
	}
}

// callBatch passes a request list to the engine's native batch primitive.
func (c *client) callBatch(ctx context.Context, requests []BatchRequest, opts BatchOptions) ([]BatchResult, error) {
	id := uuid.New().String()
	ch := make(chan batchResponsePayload, 1)

	c.mu.Lock()
	if c.closed || !c.identified {
		c.mu.Unlock()
		return nil, fmt.Errorf("session not identified")
	}
	c.pendingBatch[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingBatch, id)
		c.mu.Unlock()
	}()

	payload := batchRequestPayload{
		RequestID:     id,
		HaltOnFailure: opts.HaltOnFailure,
		ExecutionType: opts.ExecutionType,
	}
	for _, r := range requests {
		payload.Requests = append(payload.Requests, requestPayload{
			RequestType: r.RequestType,
			RequestID:   uuid.New().String(),
			RequestData: r.RequestData,
		})
	}
	if err := c.write(opRequestBatch, payload); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("batch: connection closed mid-request")
		}
		results := make([]BatchResult, 0, len(resp.Results))
		for _, r := range resp.Results {
			results = append(results, BatchResult{
				RequestType:  r.RequestType,
				Success:      r.RequestStatus.Result,
				Comment:      r.RequestStatus.Comment,
				ResponseData: r.ResponseData,
			})
		}
		return results, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("batch: %w", ctx.Err())
	}
}

// close tears down the connection. The read loop notices and fires onClosed.
func (c *client) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		_ = c.conn.Close()
	}
}

func (c *client) readLoop() {
	var closeErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("discarding undecodable engine frame", "error", err)
			continue
		}
		switch env.Op {
		case opHello:
			c.handleHello(env.D)
		case opIdentified:
			c.mu.Lock()
			c.identified = true
			c.mu.Unlock()
			if c.hooks.onIdentified != nil {
				c.hooks.onIdentified()
			}
		case opRequestResponse:
			var resp requestResponsePayload
			if err := json.Unmarshal(env.D, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.RequestID]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
		case opRequestBatchResponse:
			var resp batchResponsePayload
			if err := json.Unmarshal(env.D, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pendingBatch[resp.RequestID]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
		case opEvent:
			var ev eventPayload
			if err := json.Unmarshal(env.D, &ev); err != nil {
				continue
			}
			if c.hooks.onEvent != nil {
				c.hooks.onEvent(ev.EventType, ev.EventData)
			}
		}
	}

	c.mu.Lock()
	c.closed = true
	c.identified = false
	// Fail anything still waiting so callers do not hang until timeout.
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, ch := range c.pendingBatch {
		close(ch)
		delete(c.pendingBatch, id)
	}
	c.mu.Unlock()

	if c.hooks.onClosed != nil {
		c.hooks.onClosed(closeErr)
	}
}

func (c *client) handleHello(raw json.RawMessage) {
	var hello helloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		c.log.Error("malformed hello from engine", "error", err)
		c.close()
		return
	}
	identify := identifyPayload{RPCVersion: rpcVersion, EventSubscriptions: subscriptionMask}
	if hello.Authentication != nil {
		identify.Authentication = authResponse(c.password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := c.write(opIdentify, identify); err != nil {
		c.log.Error("failed to send identify", "error", err)
		c.close()
	}
}
