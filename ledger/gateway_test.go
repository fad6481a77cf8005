package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibeats/engine/core"
)

const (
	testWallet   = "0x00000000000000000000000000000000000000aa"
	testContract = "0x00000000000000000000000000000000000000cc"
)

// chainStub is a scripted JSON-RPC endpoint standing in for the wallet
// provider and the node.
type chainStub struct {
	mu      sync.Mutex
	balance *big.Int
	fee     *big.Int
	quota   uint64
	taskIDs []string
	sendErr *RPCError
	sent    []map[string]string
}

func (s *chainStub) sentTxs() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string{}, s.sent...)
}

func (s *chainStub) handler(t *testing.T) http.HandlerFunc {
	selFee := "0x" + hex.EncodeToString(Selector(sigSimpleFee))
	selAdvFee := "0x" + hex.EncodeToString(Selector(sigAdvancedFee))
	selQuota := "0x" + hex.EncodeToString(Selector(sigDailyLeft))

	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		reply := func(result any) {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		}
		fail := func(e *RPCError) {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": e})
		}

		switch req.Method {
		case "eth_getBalance":
			reply("0x" + s.balance.Text(16))
		case "eth_call":
			call := req.Params[0].(map[string]any)
			data := call["data"].(string)
			switch {
			case strings.HasPrefix(data, selFee), strings.HasPrefix(data, selAdvFee):
				reply("0x" + word(s.fee.Uint64()))
			case strings.HasPrefix(data, selQuota):
				reply("0x" + word(s.quota))
			default:
				reply(encodeStringSlice(s.taskIDs))
			}
		case "eth_sendTransaction":
			if s.sendErr != nil {
				fail(s.sendErr)
				return
			}
			raw := req.Params[0].(map[string]any)
			tx := make(map[string]string, len(raw))
			for k, v := range raw {
				tx[k] = v.(string)
			}
			s.sent = append(s.sent, tx)
			reply("0xtxhash")
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
		}
	}
}

func newTestGateway(t *testing.T, stub *chainStub, wallet string) *Gateway {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewGateway(NewRPCClient(srv.URL), testContract, wallet)
}

func TestGenerationFee(t *testing.T) {
	stub := &chainStub{fee: big.NewInt(5000), balance: big.NewInt(0)}
	g := newTestGateway(t, stub, testWallet)

	fee, err := g.GenerationFee(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, fee.Uint64())
}

func TestRequestGeneration(t *testing.T) {
	params := core.GenerationParams{Prompt: "a song", Style: "lofi", CustomMode: false, Model: "V4"}

	t.Run("submits with the fee attached", func(t *testing.T) {
		stub := &chainStub{fee: big.NewInt(5000), balance: big.NewInt(10000)}
		g := newTestGateway(t, stub, testWallet)

		txHash, err := g.RequestGeneration(context.Background(), params, "task-123", nil)
		require.NoError(t, err)
		assert.Equal(t, "0xtxhash", txHash)

		sent := stub.sentTxs()
		require.Len(t, sent, 1)
		assert.Equal(t, testWallet, sent[0]["from"])
		assert.Equal(t, testContract, sent[0]["to"])
		assert.Equal(t, "0x"+big.NewInt(5000).Text(16), sent[0]["value"])
		// The externally minted task id rides in the calldata.
		assert.Contains(t, sent[0]["data"], hex.EncodeToString([]byte("task-123")))
	})

	t.Run("fee override skips the lookup", func(t *testing.T) {
		stub := &chainStub{fee: big.NewInt(5000), balance: big.NewInt(10000)}
		g := newTestGateway(t, stub, testWallet)

		_, err := g.RequestGeneration(context.Background(), params, "task-123", big.NewInt(7))
		require.NoError(t, err)
		sent := stub.sentTxs()
		require.Len(t, sent, 1)
		assert.Equal(t, "0x7", sent[0]["value"])
	})

	t.Run("no wallet bound", func(t *testing.T) {
		stub := &chainStub{fee: big.NewInt(5000), balance: big.NewInt(10000)}
		g := newTestGateway(t, stub, "")

		_, err := g.RequestGeneration(context.Background(), params, "task-123", nil)
		assert.ErrorIs(t, err, core.ErrWalletNotConnected)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		stub := &chainStub{fee: big.NewInt(5000), balance: big.NewInt(100)}
		g := newTestGateway(t, stub, testWallet)

		_, err := g.RequestGeneration(context.Background(), params, "task-123", nil)
		assert.ErrorIs(t, err, core.ErrInsufficientFunds)
		assert.Empty(t, stub.sentTxs())
	})

	t.Run("user rejected the signing prompt", func(t *testing.T) {
		stub := &chainStub{
			fee:     big.NewInt(5000),
			balance: big.NewInt(10000),
			sendErr: &RPCError{Code: 4001, Message: "User rejected the request"},
		}
		g := newTestGateway(t, stub, testWallet)

		_, err := g.RequestGeneration(context.Background(), params, "task-123", nil)
		assert.ErrorIs(t, err, core.ErrUserRejected)
	})
}

func TestRecordCompletion(t *testing.T) {
	t.Run("submits without value", func(t *testing.T) {
		stub := &chainStub{balance: big.NewInt(10000)}
		g := newTestGateway(t, stub, testWallet)

		txHash, err := g.RecordCompletion(context.Background(), "task-123", "ipfs://cid", 120, "lofi,chill", "V4", 1700000000)
		require.NoError(t, err)
		assert.Equal(t, "0xtxhash", txHash)

		sent := stub.sentTxs()
		require.Len(t, sent, 1)
		_, hasValue := sent[0]["value"]
		assert.False(t, hasValue)
	})

	t.Run("double completion maps to the sentinel", func(t *testing.T) {
		revert := EncodeCall("Error(string)", StringArg("Task already completed"))
		data, _ := json.Marshal(revert)
		stub := &chainStub{
			balance: big.NewInt(10000),
			sendErr: &RPCError{Code: 3, Message: "execution reverted", Data: data},
		}
		g := newTestGateway(t, stub, testWallet)

		_, err := g.RecordCompletion(context.Background(), "task-123", "ipfs://cid", 120, "", "V4", 0)
		assert.ErrorIs(t, err, core.ErrAlreadyCompleted)
	})

	t.Run("other revert carries the reason", func(t *testing.T) {
		revert := EncodeCall("Error(string)", StringArg("No matching request"))
		data, _ := json.Marshal(revert)
		stub := &chainStub{
			balance: big.NewInt(10000),
			sendErr: &RPCError{Code: 3, Message: "execution reverted", Data: data},
		}
		g := newTestGateway(t, stub, testWallet)

		_, err := g.RecordCompletion(context.Background(), "task-123", "ipfs://cid", 120, "", "V4", 0)
		var rev *core.RevertError
		require.ErrorAs(t, err, &rev)
		assert.Equal(t, "No matching request", rev.Reason)
	})
}

func TestTaskIDQueries(t *testing.T) {
	stub := &chainStub{balance: big.NewInt(0), taskIDs: []string{"t1", "t2"}}
	g := newTestGateway(t, stub, testWallet)

	ids, err := g.GetUserTaskIds(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)

	ids, err = g.GetUserCompletedTaskIds(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)

	_, err = g.GetUserTaskIds(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestGetDailyGenerationsLeft(t *testing.T) {
	stub := &chainStub{balance: big.NewInt(0), quota: 3}
	g := newTestGateway(t, stub, testWallet)

	left, err := g.GetDailyGenerationsLeft(context.Background(), testWallet)
	require.NoError(t, err)
	assert.EqualValues(t, 3, left)
}

func TestRateLimiterExhaustion(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, time.Hour)

	require.NoError(t, rl.Wait(context.Background()))

	// Budget gone for the rest of the window; a cancelled context unblocks.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
}
