package confirm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/ledger"
	"github.com/hibeats/engine/logger"
)

// Outcome is the resolved fate of a submitted transaction.
type Outcome struct {
	TxHash  string
	Success bool
}

// ReceiptFetcher is the receipt query the monitor polls.
type ReceiptFetcher interface {
	GetTransactionReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error)
}

// Monitor resolves a transaction hash to confirmed or reverted using two
// racing strategies: a websocket push path subscribed to new heads, and a
// bounded short-interval poll path. Whichever resolves first wins; the
// loser is abandoned, not forcibly cancelled mid-request.
type Monitor struct {
	rpc          ReceiptFetcher
	fallback     ReceiptFetcher
	wsURL        string
	pollInterval time.Duration
	pollAttempts int
}

// NewMonitor builds a monitor. wsURL may be empty, in which case only the
// poll path runs. fallback, when non-nil, serves the single escalated fetch
// after the poll ceiling; otherwise the primary fetcher is reused.
func NewMonitor(rpc ReceiptFetcher, fallback ReceiptFetcher, wsURL string, pollInterval time.Duration, pollAttempts int) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if pollAttempts <= 0 {
		pollAttempts = 30
	}
	return &Monitor{
		rpc:          rpc,
		fallback:     fallback,
		wsURL:        wsURL,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
	}
}

type resolution struct {
	outcome Outcome
	err     error
}

// Await blocks until the transaction is confirmed, reverted, or the poll
// ceiling is exhausted. Exhaustion yields core.ErrConfirmationTimeout; the
// caller decides whether to keep the task pending.
func (m *Monitor) Await(ctx context.Context, txHash string) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan resolution, 2)
	if m.wsURL != "" {
		go m.pushPath(ctx, txHash, results)
	}
	go m.pollPath(ctx, txHash, results)

	select {
	case r := <-results:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// pushPath subscribes to new heads and checks the receipt on each one. Any
// failure silently ends the path; the poll path remains the backstop.
func (m *Monitor) pushPath(ctx context.Context, txHash string, results chan<- resolution) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		logger.Debug("confirm: ws dial failed, poll path only: %v", err)
		return
	}
	defer conn.Close()

	// Unblock the read loop when the race is decided.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Debug("confirm: ws subscribe failed: %v", err)
		return
	}

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		rec, err := m.rpc.GetTransactionReceipt(ctx, txHash)
		if err != nil || rec == nil {
			continue
		}
		results <- resolution{outcome: Outcome{TxHash: txHash, Success: rec.Succeeded()}}
		return
	}
}

// pollPath queries the receipt on a fixed short interval up to the attempt
// ceiling, then makes one escalated fetch before reporting a timeout.
func (m *Monitor) pollPath(ctx context.Context, txHash string, results chan<- resolution) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < m.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err := m.rpc.GetTransactionReceipt(ctx, txHash)
		if err != nil {
			logger.Debug("confirm: receipt poll %d/%d for %s failed: %v", attempt+1, m.pollAttempts, txHash, err)
			continue
		}
		if rec != nil {
			results <- resolution{outcome: Outcome{TxHash: txHash, Success: rec.Succeeded()}}
			return
		}
	}

	fetcher := m.fallback
	if fetcher == nil {
		fetcher = m.rpc
	}
	if rec, err := fetcher.GetTransactionReceipt(ctx, txHash); err == nil && rec != nil {
		results <- resolution{outcome: Outcome{TxHash: txHash, Success: rec.Succeeded()}}
		return
	}
	results <- resolution{err: core.ErrConfirmationTimeout}
}
