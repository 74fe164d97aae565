package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RPCClient calls a gateway's HTTP /rpc endpoint
type RPCClient struct {
	BaseURL      string
	SharedSecret string
	HTTPClient   *http.Client
}

// NewRPCClient creates a client for the gateway at baseURL, e.g. http://127.0.0.1:8787
func NewRPCClient(baseURL, sharedSecret string) *RPCClient {
	return &RPCClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		SharedSecret: sharedSecret,
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Call invokes method and decodes its result into out (which may be nil).
// RPC failures are returned as *RPCError.
func (c *RPCClient) Call(ctx context.Context, method string, params, out interface{}) error {
	req := RPCRequest{ID: gonanoid.Must(), Method: method, JSONRPC: "2.0"}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.SharedSecret != "" {
		httpReq.Header.Set(SecretHeader, c.SharedSecret)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}
