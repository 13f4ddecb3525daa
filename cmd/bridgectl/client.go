package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const apiBase = "/api/bridge/v1alpha1"

type bridgeClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *bridgeClient {
	token := bearerToken
	if token == "" {
		token = os.Getenv("BRIDGE_TOKEN")
	}
	return &bridgeClient{
		baseURL: serverURL,
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *bridgeClient) do(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return result, nil
}

func (c *bridgeClient) get(path string) (map[string]any, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *bridgeClient) post(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *bridgeClient) delete(path string) error {
	_, err := c.do(http.MethodDelete, path, nil)
	return err
}
