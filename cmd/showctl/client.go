// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// apiClient is a thin JSON client for the control API. Address and token come
// from SHOWRUNNER_ADDR and SHOWRUNNER_TOKEN.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *apiClient {
	addr := strings.Trim(strings.TrimSpace(os.Getenv("SHOWRUNNER_ADDR")), `"'`)
	if addr == "" {
		addr = "http://localhost:5555"
	}
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		token:   strings.TrimSpace(os.Getenv("SHOWRUNNER_TOKEN")),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string) (map[string]any, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) do(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control API unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("non-JSON response (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}
	if resp.StatusCode >= 300 {
		msg, _ := decoded["error"].(string)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return decoded, fmt.Errorf("%s (%d)", msg, resp.StatusCode)
	}
	return decoded, nil
}

// printJSON renders a response for the terminal.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
