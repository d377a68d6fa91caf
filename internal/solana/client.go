package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a JSON-RPC client bound to a single RPC endpoint. The pool
// creates one per endpoint so that timeouts, rate limits, and breaker
// state stay endpoint-local.
type Client struct {
	url        string
	commitment string
	httpClient *http.Client
}

func NewClient(url, commitment string, timeout time.Duration) *Client {
	if commitment == "" {
		commitment = "confirmed"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:        url,
		commitment: commitment,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string { return c.url }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return &NonRetryableError{Err: fmt.Errorf("marshal %s request: %w", method, err)}
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		return Classify(err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Classify(fmt.Errorf("decode %s response: %w", method, err))
	}
	if resp.Error != nil {
		return Classify(fmt.Errorf("%s: %w", method, resp.Error))
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return Classify(fmt.Errorf("decode %s result: %w", method, err))
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := raw
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	}
	return raw, nil
}

// GetSignaturesForAddress returns up to limit signature descriptors for
// the address, strictly older than before when before is non-empty.
// Results come newest-first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address, before string, limit int) ([]SignatureInfo, error) {
	opts := map[string]interface{}{
		"limit":      limit,
		"commitment": c.commitment,
	}
	if before != "" {
		opts["before"] = before
	}
	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) txOpts() map[string]interface{} {
	return map[string]interface{}{
		"encoding":                       "json",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}
}

// GetTransaction fetches one confirmed transaction. A nil result with a
// nil error means the node has no record of the signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var out *Transaction
	if err := c.call(ctx, "getTransaction", []interface{}{signature, c.txOpts()}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransactionBatch fetches several transactions in one JSON-RPC
// batch request. The returned slice is index-aligned with signatures;
// entries the node could not serve are nil. A per-entry RPC error fails
// the whole batch so the caller can retry it.
func (c *Client) GetTransactionBatch(ctx context.Context, signatures []string) ([]*Transaction, error) {
	if len(signatures) == 0 {
		return nil, nil
	}

	reqs := make([]rpcRequest, len(signatures))
	for i, sig := range signatures {
		reqs[i] = rpcRequest{
			JSONRPC: "2.0",
			ID:      i,
			Method:  "getTransaction",
			Params:  []interface{}{sig, c.txOpts()},
		}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("marshal batch request: %w", err)}
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, Classify(err)
	}

	var resps []rpcResponse
	if err := json.Unmarshal(raw, &resps); err != nil {
		return nil, Classify(fmt.Errorf("decode batch response: %w", err))
	}

	// Nodes may answer batch entries out of order; align by id.
	out := make([]*Transaction, len(signatures))
	for _, resp := range resps {
		if resp.ID < 0 || resp.ID >= len(signatures) {
			continue
		}
		if resp.Error != nil {
			return nil, Classify(fmt.Errorf("getTransaction[%d]: %w", resp.ID, resp.Error))
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal(resp.Result, &tx); err != nil {
			return nil, Classify(fmt.Errorf("decode batch entry %d: %w", resp.ID, err))
		}
		out[resp.ID] = &tx
	}
	return out, nil
}

// GetSlot returns the current slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	opts := map[string]interface{}{"commitment": c.commitment}
	if err := c.call(ctx, "getSlot", []interface{}{opts}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetHealth checks node health. Healthy nodes answer the literal "ok".
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return &RetryableError{Err: fmt.Errorf("node is unhealthy: %q", status)}
	}
	return nil
}
