// Package chain fetches wallet holdings from the Solana RPC node and
// the DAS asset indexer and folds them into gate snapshots.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/atomic"
)

// ErrUpstreamUnavailable is returned when an upstream call still fails
// after the whole retry schedule. Callers treat it as fail-open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

const defaultRequestTimeout = 15 * time.Second

type (
	// rpcClient is a minimal JSON-RPC 2.0 client over HTTP POST. Both
	// the Solana node and the DAS indexer speak this framing.
	rpcClient struct {
		endpoint string
		cli      httpDoer
		reqID    atomic.Uint64
	}

	// httpDoer is the part of http.Client the RPC client needs.
	httpDoer interface {
		Do(*http.Request) (*http.Response, error)
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
	}

	rpcError struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	}
)

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCClient(endpoint string, cli httpDoer) *rpcClient {
	if cli == nil {
		cli = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &rpcClient{endpoint: endpoint, cli: cli}
}

// performRequest runs one JSON-RPC call and decodes the result into
// resp.
func (c *rpcClient) performRequest(ctx context.Context, method string, params, resp any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Inc(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.cli.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", method, httpResp.Status)
	}

	var r rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("%s: %w", method, r.Error)
	}
	if resp != nil {
		if err := json.Unmarshal(r.Result, resp); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}
