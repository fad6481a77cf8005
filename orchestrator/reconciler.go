package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/generation"
	"github.com/hibeats/engine/logger"
	"github.com/hibeats/engine/metrics"
	"github.com/hibeats/engine/storage"
)

// Pinner uploads blobs and JSON documents to content-addressed storage.
type Pinner interface {
	AddBytes(ctx context.Context, name string, data []byte) (string, error)
	AddJSON(ctx context.Context, name string, doc any) (string, error)
	GatewayURL(cid string) string
}

// CompletionRecorder writes the ledger completion record for a task.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, taskID, metadataURI string, durationSec uint64, tags, modelName string, createTime int64) (string, error)
}

// Reconciler turns a generation-service completion signal, whether pushed
// or polled, into pinned artifacts plus a ledger completion record. Entry
// is self-guarding per task: duplicate triggers for the same task converge
// to a single effective completion via the visible artifact count.
type Reconciler struct {
	lib     *Library
	pins    Pinner
	ledger  CompletionRecorder
	journal storage.Store
	fetch   *http.Client
}

// NewReconciler wires a reconciler over the shared state container.
func NewReconciler(lib *Library, pins Pinner, ledger CompletionRecorder, journal storage.Store) *Reconciler {
	return &Reconciler{
		lib:     lib,
		pins:    pins,
		ledger:  ledger,
		journal: journal,
		fetch:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// trackMetadata is the document pinned per artifact and referenced by the
// ledger completion record.
type trackMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Audio       string          `json:"audio"`
	Image       string          `json:"image,omitempty"`
	Duration    float64         `json:"duration"`
	Tags        []string        `json:"tags,omitempty"`
	Provenance  core.Provenance `json:"provenance"`
}

// Process runs one reconciliation attempt for a completion result. Errors
// are soft: the caller logs them and leaves the task pending unless the
// upstream reported a terminal failure.
func (r *Reconciler) Process(ctx context.Context, res generation.TaskResult) error {
	task, err := r.journal.GetTask(ctx, res.TaskID)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownTask, res.TaskID)
	}
	expected := task.ExpectedArtifacts
	if expected <= 0 {
		expected = 2
	}

	// Entry guard: both delivery channels may fire for the same task.
	if r.lib.ArtifactCount(res.TaskID) >= expected {
		metrics.ReconcileOutcomes.WithLabelValues("duplicate").Inc()
		logger.Debug("reconcile: task %s already has its artifacts, skipping", res.TaskID)
		return nil
	}

	if !res.Complete() {
		if generation.IsFailure(res.Status) {
			r.failTask(ctx, task, "generation failed upstream: "+res.Status)
			metrics.ReconcileOutcomes.WithLabelValues("failed").Inc()
			return nil
		}
		metrics.ReconcileOutcomes.WithLabelValues("incomplete").Inc()
		return core.ErrUpstreamIncomplete
	}

	task.Status = core.StatusReconciling
	if err := r.journal.SaveTask(ctx, task); err != nil {
		logger.Warn("reconcile: journal save for %s failed: %v", task.TaskID, err)
	}
	r.lib.SetStatus(task.TaskID, core.TaskState{Status: string(core.StatusReconciling), HasData: true, ArtifactCount: 0})

	arts := r.uploadArtifacts(ctx, task, res.Artifacts)

	// Completion write, at most once per task. Failure never rolls the
	// artifacts back; the task is flagged for a later retry instead.
	if task.CompletionTxHash == "" {
		txHash, err := r.recordCompletion(ctx, task, arts)
		switch {
		case err == nil:
			task.CompletionTxHash = txHash
			task.NeedsCompletion = false
			metrics.CompletionWrites.WithLabelValues("ok").Inc()
		case err == core.ErrAlreadyCompleted:
			task.NeedsCompletion = false
			metrics.CompletionWrites.WithLabelValues("already_completed").Inc()
		default:
			task.NeedsCompletion = true
			metrics.CompletionWrites.WithLabelValues("error").Inc()
			logger.Warn("reconcile: completion write for %s failed, flagged for retry: %v", task.TaskID, err)
		}
	}

	r.lib.MergeArtifacts(arts)
	r.lib.RemovePending(task.TaskID)
	r.lib.SetStatus(task.TaskID, core.TaskState{
		Status:        core.StatusSuccess,
		HasData:       true,
		ArtifactCount: r.lib.ArtifactCount(task.TaskID),
	})
	metrics.PendingTasks.Set(float64(r.lib.PendingCount()))

	task.Status = core.StatusCompleted
	if err := r.journal.SaveTask(ctx, task); err != nil {
		logger.Warn("reconcile: journal save for %s failed: %v", task.TaskID, err)
	}
	metrics.ReconcileOutcomes.WithLabelValues("completed").Inc()
	logger.Info("reconcile: task %s completed with %d artifacts", task.TaskID, len(arts))
	return nil
}

// RetryCompletion re-attempts a failed ledger completion write using the
// artifacts already visible for the task.
func (r *Reconciler) RetryCompletion(ctx context.Context, taskID string) error {
	task, err := r.journal.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.NeedsCompletion || task.CompletionTxHash != "" {
		return nil
	}
	arts := r.lib.ArtifactsFor(taskID)
	if len(arts) == 0 {
		// Nothing visible to derive the record from; a full re-check will
		// rebuild the artifacts first.
		return core.ErrUnknownTask
	}
	txHash, err := r.recordCompletion(ctx, task, arts)
	if err != nil && err != core.ErrAlreadyCompleted {
		metrics.CompletionWrites.WithLabelValues("error").Inc()
		return err
	}
	task.CompletionTxHash = txHash
	task.NeedsCompletion = false
	metrics.CompletionWrites.WithLabelValues("retry_ok").Inc()
	return r.journal.SaveTask(ctx, task)
}

func (r *Reconciler) recordCompletion(ctx context.Context, task core.GenerationTask, arts []core.MusicArtifact) (string, error) {
	if len(arts) == 0 {
		return "", core.ErrUpstreamIncomplete
	}
	lead := arts[0]
	createTime := lead.CreateTime.Unix()
	if lead.CreateTime.IsZero() {
		createTime = time.Now().Unix()
	}
	return r.ledger.RecordCompletion(ctx,
		task.TaskID,
		lead.MetadataURI,
		uint64(lead.DurationSeconds),
		strings.Join(lead.GenreTags, ","),
		task.Params.Model,
		createTime,
	)
}

// failTask absorbs a terminal upstream failure: the task leaves the pending
// set so it is not retried forever, and the status map carries the reason.
func (r *Reconciler) failTask(ctx context.Context, task core.GenerationTask, reason string) {
	task.Status = core.StatusFailed
	task.FailReason = reason
	if err := r.journal.SaveTask(ctx, task); err != nil {
		logger.Warn("reconcile: journal save for %s failed: %v", task.TaskID, err)
	}
	r.lib.RemovePending(task.TaskID)
	r.lib.SetStatus(task.TaskID, core.TaskState{Status: string(core.StatusFailed)})
	metrics.PendingTasks.Set(float64(r.lib.PendingCount()))
	logger.Warn("reconcile: task %s failed: %s", task.TaskID, reason)
}

// uploadArtifacts builds the canonical artifacts and pins audio, image, and
// metadata for each. Any pinning failure is non-fatal: the artifact keeps
// its original remote URL and reconciliation proceeds.
func (r *Reconciler) uploadArtifacts(ctx context.Context, task core.GenerationTask, raw []generation.Artifact) []core.MusicArtifact {
	out := make([]core.MusicArtifact, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range raw {
		i, svc := i, svc
		out[i] = buildArtifact(task, svc)
		g.Go(func() error {
			r.pinArtifact(gctx, &out[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func buildArtifact(task core.GenerationTask, svc generation.Artifact) core.MusicArtifact {
	return core.MusicArtifact{
		ID:              svc.ID,
		TaskID:          task.TaskID,
		Title:           svc.Title,
		DurationSeconds: svc.Duration,
		GenreTags:       splitTags(svc.Tags),
		Audio:           core.ContentReference{OriginalURL: svc.AudioURL},
		Image:           core.ContentReference{OriginalURL: svc.ImageURL},
		CreateTime:      parseCreateTime(svc.CreateTime),
		Provenance: core.Provenance{
			Wallet:        task.Wallet,
			Model:         task.Params.Model,
			RequestTxHash: task.RequestTxHash,
			Prompt:        task.Params.Prompt,
			Style:         task.Params.Style,
			Instrumental:  task.Params.Instrumental,
			GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func (r *Reconciler) pinArtifact(ctx context.Context, a *core.MusicArtifact) {
	r.pinReference(ctx, a.ID, "audio", a.ID+".mp3", &a.Audio)
	r.pinReference(ctx, a.ID, "image", a.ID+".png", &a.Image)

	meta := trackMetadata{
		Name:        a.Title,
		Description: "AI-generated track",
		Audio:       a.Audio.Best(),
		Image:       a.Image.Best(),
		Duration:    a.DurationSeconds,
		Tags:        a.GenreTags,
		Provenance:  a.Provenance,
	}
	cid, err := r.pins.AddJSON(ctx, a.ID+".json", meta)
	if err != nil {
		uerr := &core.UploadError{ArtifactID: a.ID, Stage: "metadata", Err: err}
		metrics.UploadFailures.WithLabelValues("metadata").Inc()
		logger.Warn("reconcile: %v", uerr)
		return
	}
	a.MetadataURI = "ipfs://" + cid
}

func (r *Reconciler) pinReference(ctx context.Context, artifactID, stage, name string, ref *core.ContentReference) {
	if strings.TrimSpace(ref.OriginalURL) == "" {
		return
	}
	data, err := r.download(ctx, ref.OriginalURL)
	if err == nil {
		var cid string
		cid, err = r.pins.AddBytes(ctx, name, data)
		if err == nil {
			ref.ContentAddress = cid
			ref.GatewayURL = r.pins.GatewayURL(cid)
			return
		}
	}
	uerr := &core.UploadError{ArtifactID: artifactID, Stage: stage, Err: err}
	metrics.UploadFailures.WithLabelValues(stage).Inc()
	logger.Warn("reconcile: %v, keeping original url", uerr)
}

func (r *Reconciler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.fetch.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCreateTime accepts the timestamp formats the service has been seen
// to emit. Unparseable values yield the zero time, which sorts last.
func parseCreateTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		// Millisecond epochs appear in callback payloads.
		if secs > 1e12 {
			return time.UnixMilli(secs)
		}
		return time.Unix(secs, 0)
	}
	return time.Time{}
}
