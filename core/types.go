package core

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a generation task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusConfirmed   TaskStatus = "confirmed"
	StatusReconciling TaskStatus = "reconciling"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

// Terminal reports whether no further transitions are expected for the status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// GenerationParams describes one user-initiated creation request as the
// generation service and the ledger both receive it.
type GenerationParams struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"custom_mode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	VocalGender  string `json:"vocal_gender,omitempty"`
	LyricsMode   string `json:"lyrics_mode,omitempty"`
}

// GenerationTask tracks one request across the generation service, the
// ledger, and storage. TaskID is the correlation key for all three.
type GenerationTask struct {
	TaskID            string           `json:"task_id"`
	Wallet            string           `json:"wallet"`
	Params            GenerationParams `json:"params"`
	RequestTxHash     string           `json:"request_tx_hash,omitempty"`
	CompletionTxHash  string           `json:"completion_tx_hash,omitempty"`
	Status            TaskStatus       `json:"status"`
	ExpectedArtifacts int              `json:"expected_artifacts"`
	// NeedsCompletion is set when artifacts were produced but the ledger
	// completion write failed and must be retried.
	NeedsCompletion bool      `json:"needs_completion"`
	FailReason      string    `json:"fail_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ContentReference points at one stored blob. The original remote URL is
// retained forever as a fallback; ContentAddress is set once the blob has
// been pinned.
type ContentReference struct {
	OriginalURL    string `json:"original_url"`
	ContentAddress string `json:"content_address,omitempty"`
	GatewayURL     string `json:"gateway_url,omitempty"`
}

// Best returns the preferred retrieval URL for the reference.
func (r ContentReference) Best() string {
	if r.GatewayURL != "" {
		return r.GatewayURL
	}
	return r.OriginalURL
}

// Provenance is the record pinned alongside an artifact. It ties the track
// back to the wallet, the model, and the ledger transaction that authorized
// the request.
type Provenance struct {
	Wallet        string `json:"wallet"`
	Model         string `json:"model"`
	RequestTxHash string `json:"request_tx_hash"`
	Prompt        string `json:"prompt"`
	Style         string `json:"style,omitempty"`
	Instrumental  bool   `json:"instrumental"`
	GeneratedAt   string `json:"generated_at"`
}

// MusicArtifact is one rendered track belonging to a task. ID is the sole
// de-duplication key; a task intentionally yields several artifacts that
// share a TaskID.
type MusicArtifact struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	Title           string           `json:"title"`
	DurationSeconds float64          `json:"duration_seconds"`
	GenreTags       []string         `json:"genre_tags,omitempty"`
	Audio           ContentReference `json:"audio"`
	Image           ContentReference `json:"image"`
	Provenance      Provenance       `json:"provenance"`
	MetadataURI     string           `json:"metadata_uri,omitempty"`
	CreateTime      time.Time        `json:"create_time"`
	// Placeholder rows stand in for pending tasks while artifacts are
	// awaited. They never carry audio.
	Placeholder bool `json:"placeholder,omitempty"`
}

// HasAudio reports whether the artifact carries playable content.
func (a MusicArtifact) HasAudio() bool {
	return !a.Placeholder && (strings.TrimSpace(a.Audio.OriginalURL) != "" || a.Audio.ContentAddress != "")
}

// TaskState is the coarse per-task projection the UI renders progress from.
type TaskState struct {
	Status        string `json:"status"`
	HasData       bool   `json:"has_data"`
	ArtifactCount int    `json:"artifact_count"`
}

// StatusSuccess is the terminal status string surfaced in the status map.
const StatusSuccess = "SUCCESS"
