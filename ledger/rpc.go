package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter spaces out chain RPC requests.
type RateLimiter struct {
	mu          sync.Mutex
	requests    int
	maxRequests int
	windowStart time.Time
	windowSize  time.Duration
	minInterval time.Duration
	lastRequest time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxRequests int, windowSize, minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		windowSize:  windowSize,
		windowStart: time.Now(),
		minInterval: minInterval,
	}
}

// Wait blocks until a request is allowed or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.minInterval):
		}
	}
}

func (rl *RateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if !rl.lastRequest.IsZero() && now.Sub(rl.lastRequest) < rl.minInterval {
		return false
	}
	if now.Sub(rl.windowStart) >= rl.windowSize {
		rl.requests = 0
		rl.windowStart = now
	}
	if rl.requests >= rl.maxRequests {
		return false
	}
	rl.requests++
	rl.lastRequest = now
	return true
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// RPCError is a JSON-RPC error object as returned by the node or the
// wallet provider.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Receipt is the subset of a transaction receipt the engine inspects.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"` // 0x1 success, 0x0 reverted
}

// Succeeded reports whether the receipt records a successful execution.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == "0x1" }

// RPCClient is a minimal JSON-RPC client for an EVM node. The wallet
// provider endpoint is expected to manage the signing account, so writes go
// through eth_sendTransaction.
type RPCClient struct {
	url     string
	http    *http.Client
	limiter *RateLimiter
	nextID  uint64
}

// NewRPCClient creates a client for the given endpoint.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:     strings.TrimRight(url, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: NewRateLimiter(600, time.Minute, 20*time.Millisecond),
	}
}

// Call performs one JSON-RPC call and returns the raw result.
func (c *RPCClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.nextID, 1),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rpc %s decode failed: %w", method, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// CallContract performs a read-only eth_call against a contract and returns
// the hex-encoded return data.
func (c *RPCClient) CallContract(ctx context.Context, to string, data string) (string, error) {
	raw, err := c.Call(ctx, "eth_call", map[string]string{"to": to, "data": data}, "latest")
	if err != nil {
		return "", err
	}
	var hexData string
	if err := json.Unmarshal(raw, &hexData); err != nil {
		return "", fmt.Errorf("eth_call result decode failed: %w", err)
	}
	return hexData, nil
}

// SendTransaction submits a state-changing transaction through the wallet
// provider and returns its hash.
func (c *RPCClient) SendTransaction(ctx context.Context, from, to, data string, value *big.Int) (string, error) {
	tx := map[string]string{"from": from, "to": to, "data": data}
	if value != nil && value.Sign() > 0 {
		tx["value"] = "0x" + value.Text(16)
	}
	raw, err := c.Call(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("eth_sendTransaction result decode failed: %w", err)
	}
	return hash, nil
}

// GetTransactionReceipt fetches the receipt for a hash. A nil receipt with
// nil error means the transaction is not yet mined.
func (c *RPCClient) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	raw, err := c.Call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rec Receipt
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("receipt decode failed: %w", err)
	}
	return &rec, nil
}

// GetBalance returns the native-currency balance of an address in wei.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return nil, err
	}
	var hexBal string
	if err := json.Unmarshal(raw, &hexBal); err != nil {
		return nil, fmt.Errorf("eth_getBalance result decode failed: %w", err)
	}
	bal, ok := new(big.Int).SetString(strings.TrimPrefix(hexBal, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", hexBal)
	}
	return bal, nil
}
