package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/hibeats/engine/confirm"
	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/generation"
	"github.com/hibeats/engine/logger"
	"github.com/hibeats/engine/metrics"
	"github.com/hibeats/engine/storage"
)

// GenerationClient is the slice of the generation service the orchestrator
// uses.
type GenerationClient interface {
	StartGeneration(ctx context.Context, req generation.StartRequest) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (generation.TaskResult, error)
}

// LedgerClient is the slice of the ledger gateway the orchestrator uses.
type LedgerClient interface {
	RequestGeneration(ctx context.Context, p core.GenerationParams, taskID string, feeOverride *big.Int) (string, error)
	GetUserTaskIds(ctx context.Context, address string) ([]string, error)
	GetUserCompletedTaskIds(ctx context.Context, address string) ([]string, error)
	GetDailyGenerationsLeft(ctx context.Context, address string) (int64, error)
}

// Confirmer resolves a submitted transaction to its outcome.
type Confirmer interface {
	Await(ctx context.Context, txHash string) (confirm.Outcome, error)
}

// Options tune the orchestrator.
type Options struct {
	Wallet            string
	CallbackURL       string
	ExpectedArtifacts int
	// RecheckDelays is the fixed safety-net schedule of delayed
	// reconciliation attempts attached to each task at creation.
	RecheckDelays []time.Duration
	// PendingTTL bounds how long a task may sit in the pending set before
	// the janitor marks it failed.
	PendingTTL      time.Duration
	JanitorInterval time.Duration
}

func (o *Options) fill() {
	if o.ExpectedArtifacts <= 0 {
		o.ExpectedArtifacts = 2
	}
	if len(o.RecheckDelays) == 0 {
		o.RecheckDelays = []time.Duration{45 * time.Second, 4 * time.Minute}
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = 24 * time.Hour
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = 10 * time.Minute
	}
}

// Orchestrator is the engine's entry point. It sequences start-generation,
// ledger request, confirmation, and reconciliation triggers, and owns the
// state the UI consumes through the Library.
type Orchestrator struct {
	gen       GenerationClient
	ledger    LedgerClient
	confirmer Confirmer
	rec       *Reconciler
	lib       *Library
	journal   storage.Store
	opts      Options
}

// New wires an orchestrator.
func New(gen GenerationClient, ledger LedgerClient, confirmer Confirmer, rec *Reconciler, lib *Library, journal storage.Store, opts Options) *Orchestrator {
	opts.fill()
	return &Orchestrator{
		gen:       gen,
		ledger:    ledger,
		confirmer: confirmer,
		rec:       rec,
		lib:       lib,
		journal:   journal,
		opts:      opts,
	}
}

// Generate drives one create-song request: mint a task id, record the
// request on the ledger, register the task as pending, and schedule the
// reconciliation safety net. Artifacts arrive later through the reconciler.
// Errors before the pending entry exists are fatal to the call; nothing is
// left behind for the task id.
func (o *Orchestrator) Generate(ctx context.Context, p core.GenerationParams) (string, error) {
	if left, err := o.ledger.GetDailyGenerationsLeft(ctx, o.opts.Wallet); err != nil {
		logger.Warn("generate: quota read failed, proceeding: %v", err)
	} else if left <= 0 {
		metrics.GenerationsRejected.WithLabelValues("quota").Inc()
		return "", core.ErrQuotaExhausted
	}

	taskID, err := o.gen.StartGeneration(ctx, generation.StartRequest{
		Prompt:       p.Prompt,
		Style:        p.Style,
		Title:        p.Title,
		CustomMode:   p.CustomMode,
		Instrumental: p.Instrumental,
		Model:        p.Model,
		VocalGender:  p.VocalGender,
		CallBackURL:  o.opts.CallbackURL,
	})
	if err != nil {
		metrics.GenerationsRejected.WithLabelValues("service").Inc()
		return "", err
	}

	txHash, err := o.ledger.RequestGeneration(ctx, p, taskID, nil)
	if err != nil {
		metrics.GenerationsRejected.WithLabelValues(rejectReason(err)).Inc()
		return "", err
	}

	task := core.GenerationTask{
		TaskID:            taskID,
		Wallet:            o.opts.Wallet,
		Params:            p,
		RequestTxHash:     txHash,
		Status:            core.StatusPending,
		ExpectedArtifacts: o.opts.ExpectedArtifacts,
		CreatedAt:         time.Now(),
	}
	if err := o.journal.SaveTask(ctx, task); err != nil {
		logger.Warn("generate: journal save for %s failed: %v", taskID, err)
	}

	// Pending immediately, before confirmation, so the UI shows progress
	// without waiting on the chain.
	o.lib.AddPending(taskID, o.opts.ExpectedArtifacts)
	o.lib.SetCurrentTask(taskID)
	o.lib.SetStatus(taskID, core.TaskState{Status: string(core.StatusPending)})
	metrics.PendingTasks.Set(float64(o.lib.PendingCount()))
	metrics.GenerationsStarted.Inc()

	go o.awaitConfirmation(taskID, txHash)
	go o.RefreshMembership(context.Background())
	o.scheduleRechecks(taskID)

	logger.Info("generate: task %s pending, request tx %s", taskID, txHash)
	return taskID, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, core.ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, core.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, core.ErrWalletNotConnected):
		return "no_wallet"
	default:
		return "ledger"
	}
}

// awaitConfirmation resolves the request transaction. A timeout keeps the
// task pending: the generation likely succeeded server-side and discarding
// it would risk silent data loss.
func (o *Orchestrator) awaitConfirmation(taskID, txHash string) {
	ctx := context.Background()
	started := time.Now()
	out, err := o.confirmer.Await(ctx, txHash)
	if err != nil {
		if errors.Is(err, core.ErrConfirmationTimeout) {
			logger.Warn("confirm: tx %s for task %s unresolved, keeping task pending", txHash, taskID)
			return
		}
		logger.Warn("confirm: tx %s for task %s failed: %v", txHash, taskID, err)
		return
	}
	metrics.ConfirmationSeconds.Observe(time.Since(started).Seconds())

	task, gerr := o.journal.GetTask(ctx, taskID)
	if gerr != nil {
		return
	}
	if !out.Success {
		// The ledger never recorded the request; artifacts for this task
		// would fail the membership gate anyway.
		o.rec.failTask(ctx, task, "request transaction reverted")
		return
	}
	if task.Status == core.StatusPending {
		task.Status = core.StatusConfirmed
		if err := o.journal.SaveTask(ctx, task); err != nil {
			logger.Warn("confirm: journal save for %s failed: %v", taskID, err)
		}
		o.lib.SetStatus(taskID, core.TaskState{Status: string(core.StatusConfirmed)})
	}
}

func (o *Orchestrator) scheduleRechecks(taskID string) {
	for _, delay := range o.opts.RecheckDelays {
		time.AfterFunc(delay, func() {
			o.recheck(context.Background(), taskID)
		})
	}
}

// recheck is the poll-channel reconciliation trigger.
func (o *Orchestrator) recheck(ctx context.Context, taskID string) {
	task, err := o.journal.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if o.lib.ArtifactCount(taskID) >= task.ExpectedArtifacts {
		if task.NeedsCompletion {
			if err := o.rec.RetryCompletion(ctx, taskID); err != nil {
				logger.Warn("recheck: completion retry for %s failed: %v", taskID, err)
			}
		}
		return
	}
	res, err := o.gen.GetTaskStatus(ctx, taskID)
	if err != nil {
		logger.Warn("recheck: status for %s failed: %v", taskID, err)
		return
	}
	o.process(ctx, res)
}

// HandleCallback is the push-channel reconciliation trigger, fed by the
// generation service's completion webhook.
func (o *Orchestrator) HandleCallback(ctx context.Context, res generation.TaskResult) {
	o.process(ctx, res)
}

// process funnels both delivery channels through the reconciler and
// absorbs its soft outcomes.
func (o *Orchestrator) process(ctx context.Context, res generation.TaskResult) {
	err := o.rec.Process(ctx, res)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrUpstreamIncomplete):
		// Transition window: the service may report success before the
		// batch exists. The task stays pending for the next trigger.
		logger.Warn("task %s still processing or failed upstream", res.TaskID)
	case errors.Is(err, core.ErrUnknownTask):
		logger.Warn("completion reported for unknown task %s, ignoring", res.TaskID)
	default:
		logger.Warn("reconcile for task %s: %v", res.TaskID, err)
	}
}

// CheckMissingTask is the manual re-check: a no-op when the collection
// already holds the task's artifacts.
func (o *Orchestrator) CheckMissingTask(ctx context.Context, taskID string) error {
	task, err := o.journal.GetTask(ctx, taskID)
	if err != nil {
		return core.ErrUnknownTask
	}
	if o.lib.ArtifactCount(taskID) >= task.ExpectedArtifacts {
		if task.NeedsCompletion {
			return o.rec.RetryCompletion(ctx, taskID)
		}
		return nil
	}
	res, err := o.gen.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	o.process(ctx, res)
	return nil
}

// RefreshMembership replaces the ledger membership snapshots.
func (o *Orchestrator) RefreshMembership(ctx context.Context) {
	requested, err := o.ledger.GetUserTaskIds(ctx, o.opts.Wallet)
	if err != nil {
		logger.Warn("membership: requested-ids read failed: %v", err)
		return
	}
	completed, err := o.ledger.GetUserCompletedTaskIds(ctx, o.opts.Wallet)
	if err != nil {
		logger.Warn("membership: completed-ids read failed: %v", err)
		return
	}
	o.lib.SetLedgerTaskIDs(requested, completed)
}

// Start restores unfinished work from the journal and runs the janitor
// until the context ends.
func (o *Orchestrator) Start(ctx context.Context) {
	o.restore(ctx)
	go o.janitor(ctx)
}

// restore reloads unfinished tasks after a restart and re-schedules their
// safety-net re-checks.
func (o *Orchestrator) restore(ctx context.Context) {
	tasks, err := o.journal.ListUnfinished(ctx)
	if err != nil {
		logger.Warn("restore: journal list failed: %v", err)
		return
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			o.lib.AddPending(task.TaskID, task.ExpectedArtifacts)
			o.lib.SetStatus(task.TaskID, core.TaskState{Status: string(task.Status)})
		}
		o.scheduleRechecks(task.TaskID)
	}
	if len(tasks) > 0 {
		logger.Info("restore: %d unfinished tasks re-scheduled", len(tasks))
	}
	metrics.PendingTasks.Set(float64(o.lib.PendingCount()))
	o.RefreshMembership(ctx)
}

// janitor expires over-age pending tasks and retries flagged completion
// writes.
func (o *Orchestrator) janitor(ctx context.Context) {
	ticker := time.NewTicker(o.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-o.opts.PendingTTL)
		for _, taskID := range o.lib.PendingOlderThan(cutoff) {
			task, err := o.journal.GetTask(ctx, taskID)
			if err != nil {
				o.lib.RemovePending(taskID)
				continue
			}
			o.rec.failTask(ctx, task, "pending past ttl")
		}

		tasks, err := o.journal.ListUnfinished(ctx)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			if task.NeedsCompletion {
				if err := o.rec.RetryCompletion(ctx, task.TaskID); err != nil {
					logger.Debug("janitor: completion retry for %s: %v", task.TaskID, err)
				}
			}
		}
		o.RefreshMembership(ctx)
	}
}

// Snapshot returns the visible collection in display order, placeholder
// rows included.
func (o *Orchestrator) Snapshot() []core.MusicArtifact { return o.lib.Snapshot() }

// Pending returns the pending task ids.
func (o *Orchestrator) Pending() []string { return o.lib.PendingTaskIDs() }

// Statuses returns the per-task status map.
func (o *Orchestrator) Statuses() map[string]core.TaskState { return o.lib.Statuses() }

// ArtifactByID looks up one visible artifact.
func (o *Orchestrator) ArtifactByID(id string) (core.MusicArtifact, bool) {
	return o.lib.ArtifactByID(id)
}
