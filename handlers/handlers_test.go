package handlers

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibeats/engine/confirm"
	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/generation"
	"github.com/hibeats/engine/orchestrator"
	"github.com/hibeats/engine/storage"
)

type stubGen struct{ taskID string }

func (g *stubGen) StartGeneration(context.Context, generation.StartRequest) (string, error) {
	return g.taskID, nil
}

func (g *stubGen) GetTaskStatus(_ context.Context, taskID string) (generation.TaskResult, error) {
	return generation.TaskResult{TaskID: taskID, Code: generation.CodeOK, Status: generation.StatusPending}, nil
}

type stubLedger struct{ quota int64 }

func (l *stubLedger) RequestGeneration(context.Context, core.GenerationParams, string, *big.Int) (string, error) {
	return "0xrequest", nil
}
func (l *stubLedger) GetUserTaskIds(context.Context, string) ([]string, error)          { return nil, nil }
func (l *stubLedger) GetUserCompletedTaskIds(context.Context, string) ([]string, error) { return nil, nil }
func (l *stubLedger) GetDailyGenerationsLeft(context.Context, string) (int64, error) {
	return l.quota, nil
}

type stubConfirmer struct{}

func (stubConfirmer) Await(_ context.Context, txHash string) (confirm.Outcome, error) {
	return confirm.Outcome{TxHash: txHash, Success: true}, nil
}

type stubPinner struct{}

func (stubPinner) AddBytes(_ context.Context, name string, _ []byte) (string, error) {
	return "cid-" + name, nil
}
func (stubPinner) AddJSON(_ context.Context, name string, _ any) (string, error) {
	return "cid-" + name, nil
}
func (stubPinner) GatewayURL(cid string) string { return "https://gw/ipfs/" + cid }

type stubRecorder struct{}

func (stubRecorder) RecordCompletion(context.Context, string, string, uint64, string, string, int64) (string, error) {
	return "0xcomplete", nil
}

type testEnv struct {
	srv     *Server
	lib     *orchestrator.Library
	journal storage.Store
}

func newTestEnv(t *testing.T, quota int64) *testEnv {
	t.Helper()
	lib := orchestrator.NewLibrary()
	journal := storage.NewMemoryStore()
	rec := orchestrator.NewReconciler(lib, stubPinner{}, stubRecorder{}, journal)
	orc := orchestrator.New(&stubGen{taskID: "t1"}, &stubLedger{quota: quota}, stubConfirmer{}, rec, lib, journal, orchestrator.Options{
		Wallet:        "0xwallet",
		RecheckDelays: []time.Duration{time.Hour},
	})
	return &testEnv{srv: NewServer(orc), lib: lib, journal: journal}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 5)
	w := doJSON(t, env.srv.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerate(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		env := newTestEnv(t, 5)
		w := doJSON(t, env.srv.Router(), http.MethodPost, "/api/v1/generate", `{"prompt":"sunset drive","model":"V4"}`)
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "t1", resp["task_id"])

		w = doJSON(t, env.srv.Router(), http.MethodGet, "/api/v1/pending", "")
		assert.Contains(t, w.Body.String(), "t1")
	})

	t.Run("missing prompt", func(t *testing.T) {
		env := newTestEnv(t, 5)
		w := doJSON(t, env.srv.Router(), http.MethodPost, "/api/v1/generate", `{"model":"V4"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t, 5)
		w := doJSON(t, env.srv.Router(), http.MethodPost, "/api/v1/generate", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("quota exhausted", func(t *testing.T) {
		env := newTestEnv(t, 0)
		w := doJSON(t, env.srv.Router(), http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestCallbackDeliversArtifacts(t *testing.T) {
	env := newTestEnv(t, 5)
	router := env.srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/generate", `{"prompt":"sunset drive"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	payload := `{
		"code": 200,
		"msg": "ok",
		"data": {
			"callbackType": "complete",
			"task_id": "t1",
			"data": [
				{"id": "a1", "audio_url": "http://cdn/a1.mp3", "title": "Track One", "duration": 120},
				{"id": "a2", "audio_url": "http://cdn/a2.mp3", "title": "Track Two", "duration": 98}
			]
		}
	}`
	w = doJSON(t, router, http.MethodPost, "/api/v1/callback/generation", payload)
	require.Equal(t, http.StatusOK, w.Code)

	// The webhook is acked first and reconciled in the background.
	assert.Eventually(t, func() bool {
		return env.lib.ArtifactCount("t1") == 2
	}, 2*time.Second, 10*time.Millisecond)

	w = doJSON(t, router, http.MethodGet, "/api/v1/library", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []core.MusicArtifact `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)

	w = doJSON(t, router, http.MethodGet, "/api/v1/status", "")
	assert.Contains(t, w.Body.String(), core.StatusSuccess)
}

func TestCallbackValidation(t *testing.T) {
	env := newTestEnv(t, 5)
	router := env.srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/callback/generation", `{"code":200,"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/callback/generation", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecheckUnknownTask(t *testing.T) {
	env := newTestEnv(t, 5)
	w := doJSON(t, env.srv.Router(), http.MethodPost, "/api/v1/tasks/ghost/recheck", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShareCard(t *testing.T) {
	env := newTestEnv(t, 5)
	router := env.srv.Router()

	env.lib.AddPending("t1", 1)
	env.lib.MergeArtifacts([]core.MusicArtifact{{
		ID:     "a1",
		TaskID: "t1",
		Audio:  core.ContentReference{OriginalURL: "http://cdn/a1.mp3"},
	}})

	w := doJSON(t, router, http.MethodGet, "/api/v1/artifacts/a1/share.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = doJSON(t, router, http.MethodGet, "/api/v1/artifacts/missing/share.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
