// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package obs maintains the persistent session to the streaming-production
// engine (obs-websocket protocol v5) and exposes it to the rest of the
// service as a narrow request/batch/event interface.
//
// The package splits into three layers:
//
//   - protocol.go: wire envelopes and the identify handshake math.
//   - client.go: one websocket connection with request/response correlation.
//   - session.go: the reconnecting state machine, status snapshot, and the
//     Engine interface every other component consumes.
package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// Protocol opcodes (obs-websocket v5 §Message Types).
const (
	opHello                = 0
	opIdentify             = 1
	opIdentified           = 2
	opEvent                = 5
	opRequest              = 6
	opRequestResponse      = 7
	opRequestBatch         = 8
	opRequestBatchResponse = 9
)

// Event subscription bits. We subscribe to all low-volume events plus the
// volume meter stream, which the engine only pushes when asked for
// explicitly.
const (
	subAll               = (1 << 11) - 1
	subInputVolumeMeters = 1 << 16
	subscriptionMask     = subAll | subInputVolumeMeters
)

const rpcVersion = 1

// envelope is the outer frame of every protocol message.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloPayload struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type identifyPayload struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type requestPayload struct {
	RequestType string         `json:"requestType"`
	RequestID   string         `json:"requestId"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type requestResponsePayload struct {
	RequestType   string         `json:"requestType"`
	RequestID     string         `json:"requestId"`
	RequestStatus requestStatus  `json:"requestStatus"`
	ResponseData  map[string]any `json:"responseData,omitempty"`
}

type eventPayload struct {
	EventType   string         `json:"eventType"`
	EventIntent int            `json:"eventIntent"`
	EventData   map[string]any `json:"eventData,omitempty"`
}

type batchRequestPayload struct {
	RequestID     string           `json:"requestId"`
	HaltOnFailure bool             `json:"haltOnFailure"`
	ExecutionType int              `json:"executionType"`
	Requests      []requestPayload `json:"requests"`
}

type batchResponsePayload struct {
	RequestID string                   `json:"requestId"`
	Results   []requestResponsePayload `json:"results"`
}

// Batch execution types as defined by the protocol.
const (
	ExecSerialRealtime = 0
	ExecSerialFrame    = 1
	ExecParallel       = 2
)

func marshalEnvelope(op int, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Op: op, D: d})
}

// authResponse computes the identify authentication string:
// base64(sha256(base64(sha256(password + salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	final := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(final[:])
}
