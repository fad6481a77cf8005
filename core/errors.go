package core

import "fmt"

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	// Request-phase failures. These are fatal to the Generate call that hit
	// them; no pending entry is created and no chain state is touched past
	// the point of failure.
	ErrWalletNotConnected = Err("no wallet address bound")
	ErrInsufficientFunds  = Err("wallet balance below generation fee")
	ErrUserRejected       = Err("wallet rejected transaction signing")
	ErrServiceUnavailable = Err("generation service unavailable")
	ErrQuotaExhausted     = Err("daily generation quota exhausted")

	// Reconcile-phase outcomes. Absorbed locally; the task is flagged
	// rather than the error being surfaced to the user.
	ErrUpstreamIncomplete  = Err("generation reported success without artifacts")
	ErrAlreadyCompleted    = Err("completion already recorded for task")
	ErrConfirmationTimeout = Err("transaction confirmation timed out")
	ErrUnknownTask         = Err("no record of task")
)

// RevertError carries the decoded revert reason of a failed contract call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "contract call reverted"
	}
	return "contract call reverted: " + e.Reason
}

// UploadError marks a per-artifact pinning failure. It is never fatal to
// reconciliation; the artifact keeps its original remote URL.
type UploadError struct {
	ArtifactID string
	Stage      string // audio | image | metadata
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s for artifact %s failed: %v", e.Stage, e.ArtifactID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
