package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/logger"
)

// Contract method signatures.
const (
	sigSimpleFee          = "simpleGenerationFee()"
	sigAdvancedFee        = "advancedGenerationFee()"
	sigRequestGeneration  = "requestGeneration(string,string,bool,uint8,string,string,string,string)"
	sigCompleteGeneration = "completeMusicGeneration(string,string,uint256,string,string,uint256)"
	sigUserTaskIDs        = "getUserTaskIds(address)"
	sigUserCompletedIDs   = "getUserCompletedTaskIds(address)"
	sigDailyLeft          = "getDailyGenerationsLeft(address)"
)

// Generation modes as the contract encodes them.
const (
	modeSimple   = 0
	modeAdvanced = 1
)

// Wallet providers signal a declined signing prompt with this code.
const rpcCodeUserRejected = 4001

// Gateway submits generation requests and completion records to the chain
// contract and serves its read queries.
type Gateway struct {
	rpc      *RPCClient
	contract string
	wallet   string
}

// NewGateway binds a gateway to a contract and a wallet address. An empty
// wallet is allowed; state-changing calls will refuse to run until one is
// bound.
func NewGateway(rpc *RPCClient, contract, wallet string) *Gateway {
	return &Gateway{rpc: rpc, contract: contract, wallet: wallet}
}

// RPC exposes the underlying client for receipt queries.
func (g *Gateway) RPC() *RPCClient { return g.rpc }

// Wallet returns the bound wallet address.
func (g *Gateway) Wallet() string { return g.wallet }

// GenerationFee reads the on-chain fee for the given mode.
func (g *Gateway) GenerationFee(ctx context.Context, advanced bool) (*big.Int, error) {
	sig := sigSimpleFee
	if advanced {
		sig = sigAdvancedFee
	}
	out, err := g.rpc.CallContract(ctx, g.contract, EncodeCall(sig))
	if err != nil {
		return nil, mapRPCError(err)
	}
	return DecodeUint(out)
}

// RequestGeneration records a generation request on the ledger, paying the
// mode fee, and returns the transaction hash. The externally minted taskID
// is embedded so the ledger and the generation service agree on the
// correlation key from the start. feeOverride, when non-nil, replaces the
// on-chain fee lookup.
func (g *Gateway) RequestGeneration(ctx context.Context, p core.GenerationParams, taskID string, feeOverride *big.Int) (string, error) {
	if strings.TrimSpace(g.wallet) == "" {
		return "", core.ErrWalletNotConnected
	}
	fee := feeOverride
	if fee == nil {
		var err error
		fee, err = g.GenerationFee(ctx, p.CustomMode)
		if err != nil {
			return "", fmt.Errorf("generation fee lookup failed: %w", err)
		}
	}
	balance, err := g.rpc.GetBalance(ctx, g.wallet)
	if err != nil {
		return "", fmt.Errorf("balance lookup failed: %w", err)
	}
	if balance.Cmp(fee) < 0 {
		return "", core.ErrInsufficientFunds
	}

	mode := uint64(modeSimple)
	if p.CustomMode {
		mode = modeAdvanced
	}
	data := EncodeCall(sigRequestGeneration,
		StringArg(p.Prompt),
		StringArg(p.Style),
		BoolArg(p.Instrumental),
		Uint64Arg(mode),
		StringArg(taskID),
		StringArg(p.Title),
		StringArg(p.VocalGender),
		StringArg(p.LyricsMode),
	)
	txHash, err := g.rpc.SendTransaction(ctx, g.wallet, g.contract, data, fee)
	if err != nil {
		return "", mapRPCError(err)
	}
	logger.Info("ledger: generation request for task %s submitted: %s", taskID, txHash)
	return txHash, nil
}

// RecordCompletion writes the completion record for a task. The contract
// rejects a second completion for an already-completed request; callers
// still must not invoke this more than once per task.
func (g *Gateway) RecordCompletion(ctx context.Context, taskID, metadataURI string, durationSec uint64, tags, modelName string, createTime int64) (string, error) {
	if strings.TrimSpace(g.wallet) == "" {
		return "", core.ErrWalletNotConnected
	}
	ct := createTime
	if ct < 0 {
		ct = 0
	}
	data := EncodeCall(sigCompleteGeneration,
		StringArg(taskID),
		StringArg(metadataURI),
		Uint64Arg(durationSec),
		StringArg(tags),
		StringArg(modelName),
		Uint64Arg(uint64(ct)),
	)
	txHash, err := g.rpc.SendTransaction(ctx, g.wallet, g.contract, data, nil)
	if err != nil {
		return "", mapRPCError(err)
	}
	logger.Info("ledger: completion for task %s recorded: %s", taskID, txHash)
	return txHash, nil
}

// GetUserTaskIds returns the task ids the ledger has recorded requests for.
func (g *Gateway) GetUserTaskIds(ctx context.Context, address string) ([]string, error) {
	return g.taskIDQuery(ctx, sigUserTaskIDs, address)
}

// GetUserCompletedTaskIds returns the task ids with recorded completions.
func (g *Gateway) GetUserCompletedTaskIds(ctx context.Context, address string) ([]string, error) {
	return g.taskIDQuery(ctx, sigUserCompletedIDs, address)
}

func (g *Gateway) taskIDQuery(ctx context.Context, sig, address string) ([]string, error) {
	arg, err := AddressArg(address)
	if err != nil {
		return nil, err
	}
	out, err := g.rpc.CallContract(ctx, g.contract, EncodeCall(sig, arg))
	if err != nil {
		return nil, mapRPCError(err)
	}
	return DecodeStringSlice(out)
}

// GetDailyGenerationsLeft returns the remaining daily quota for an address.
func (g *Gateway) GetDailyGenerationsLeft(ctx context.Context, address string) (int64, error) {
	arg, err := AddressArg(address)
	if err != nil {
		return 0, err
	}
	out, err := g.rpc.CallContract(ctx, g.contract, EncodeCall(sigDailyLeft, arg))
	if err != nil {
		return 0, mapRPCError(err)
	}
	left, err := DecodeUint(out)
	if err != nil {
		return 0, err
	}
	if !left.IsInt64() {
		return 0, fmt.Errorf("quota value out of range")
	}
	return left.Int64(), nil
}

// mapRPCError folds provider/node errors into the engine taxonomy.
func mapRPCError(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	if rpcErr.Code == rpcCodeUserRejected {
		return core.ErrUserRejected
	}
	msg := strings.ToLower(rpcErr.Message)
	if strings.Contains(msg, "insufficient funds") {
		return core.ErrInsufficientFunds
	}
	if len(rpcErr.Data) > 0 {
		var hexData string
		if json.Unmarshal(rpcErr.Data, &hexData) == nil {
			if reason, ok := DecodeRevertReason(hexData); ok {
				if strings.Contains(strings.ToLower(reason), "already completed") {
					return core.ErrAlreadyCompleted
				}
				return &core.RevertError{Reason: reason}
			}
		}
	}
	if strings.Contains(msg, "revert") {
		return &core.RevertError{Reason: rpcErr.Message}
	}
	return err
}
