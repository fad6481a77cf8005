package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/logger"
)

// Upstream task status values. Only StatusSuccess carries artifacts.
const (
	StatusPending      = "PENDING"
	StatusTextSuccess  = "TEXT_SUCCESS"
	StatusFirstSuccess = "FIRST_SUCCESS"
	StatusSuccess      = "SUCCESS"
)

// CodeOK is the success sentinel in upstream response envelopes.
const CodeOK = 200

// failureStatuses the upstream service reports for dead tasks.
var failureStatuses = map[string]bool{
	"CREATE_TASK_FAILED":    true,
	"GENERATE_AUDIO_FAILED": true,
	"CALLBACK_EXCEPTION":    true,
	"SENSITIVE_WORD_ERROR":  true,
}

// IsFailure reports whether an upstream status is one of the terminal
// failure variants.
func IsFailure(status string) bool { return failureStatuses[status] }

// Client talks to the asynchronous AI music generation service.
type Client struct {
	http *resty.Client
}

// NewClient builds a client for the given API base URL.
func NewClient(baseURL, apiKey string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// StartRequest is the generation start payload.
type StartRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	VocalGender  string `json:"vocalGender,omitempty"`
	CallBackURL  string `json:"callBackUrl,omitempty"`
}

// Artifact is one rendered track as the service reports it.
type Artifact struct {
	ID         string  `json:"id"`
	AudioURL   string  `json:"audio_url"`
	ImageURL   string  `json:"image_url"`
	Title      string  `json:"title"`
	Tags       string  `json:"tags"`
	Duration   float64 `json:"duration"`
	CreateTime string  `json:"createTime"`
}

// TaskResult is the normalized completion shape shared by the callback and
// poll channels.
type TaskResult struct {
	TaskID    string     `json:"taskId"`
	Code      int        `json:"code"`
	Status    string     `json:"status"`
	Artifacts []Artifact `json:"artifacts"`
}

// Complete reports whether the result carries a full artifact batch.
func (r TaskResult) Complete() bool {
	return r.Code == CodeOK && r.Status == StatusSuccess && len(r.Artifacts) > 0
}

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type startResponse struct {
	envelope
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

type statusResponse struct {
	envelope
	Data struct {
		TaskID   string `json:"taskId"`
		Status   string `json:"status"`
		Response struct {
			SunoData []Artifact `json:"sunoData"`
		} `json:"response"`
	} `json:"data"`
}

// StartGeneration submits a render job and returns the minted task id.
func (c *Client) StartGeneration(ctx context.Context, req StartRequest) (string, error) {
	var out startResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/v1/generate")
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrServiceUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %s", core.ErrServiceUnavailable, resp.Status())
	}
	if out.Code != CodeOK || out.Data.TaskID == "" {
		return "", fmt.Errorf("%w: code %d: %s", core.ErrServiceUnavailable, out.Code, out.Msg)
	}
	return out.Data.TaskID, nil
}

// GetTaskStatus fetches the current state of a render job. Only a SUCCESS
// status carries artifacts.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (TaskResult, error) {
	var out statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("taskId", taskID).
		SetResult(&out).
		Get("/api/v1/generate/record-info")
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: %v", core.ErrServiceUnavailable, err)
	}
	if resp.IsError() {
		return TaskResult{}, fmt.Errorf("%w: status %s", core.ErrServiceUnavailable, resp.Status())
	}
	return TaskResult{
		TaskID:    taskID,
		Code:      out.Code,
		Status:    out.Data.Status,
		Artifacts: out.Data.Response.SunoData,
	}, nil
}

// PollUntilComplete polls the task up to maxAttempts times. On exhaustion
// it returns the last observed result rather than an error, so the caller
// decides whether to keep the task pending.
func (c *Client) PollUntilComplete(ctx context.Context, taskID string, maxAttempts int, interval time.Duration) (TaskResult, error) {
	last := TaskResult{TaskID: taskID, Status: StatusPending}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(interval):
			}
		}
		res, err := c.GetTaskStatus(ctx, taskID)
		if err != nil {
			logger.Warn("generation poll %d/%d for task %s failed: %v", attempt+1, maxAttempts, taskID, err)
			continue
		}
		last = res
		if res.Complete() || IsFailure(res.Status) {
			return res, nil
		}
	}
	return last, nil
}
