package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hibeats/engine/core"
	"github.com/hibeats/engine/generation"
	"github.com/hibeats/engine/logger"
	"github.com/hibeats/engine/orchestrator"
	"github.com/hibeats/engine/share"
)

// Server exposes the engine over HTTP: the generation callback webhook plus
// the read-only projections the UI consumes.
type Server struct {
	orc *orchestrator.Orchestrator
}

// NewServer wires the HTTP layer over an orchestrator.
func NewServer(orc *orchestrator.Orchestrator) *Server {
	return &Server{orc: orc}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/callback/generation", s.handleCallback)
		r.Get("/library", s.handleLibrary)
		r.Get("/pending", s.handlePending)
		r.Get("/status", s.handleStatus)
		r.Post("/tasks/{taskID}/recheck", s.handleRecheck)
		r.Get("/artifacts/{artifactID}/share.png", s.handleShareCard)
	})
	return r
}

func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	sendJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var params core.GenerationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		sendError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if params.Prompt == "" {
		sendError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	taskID, err := s.orc.Generate(r.Context(), params)
	if err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrWalletNotConnected),
		errors.Is(err, core.ErrUserRejected):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, core.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrServiceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrUnknownTask):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// callbackEnvelope is the generation service's webhook payload.
type callbackEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		CallbackType string                `json:"callbackType"` // text | first | complete | error
		TaskID       string                `json:"task_id"`
		Data         []generation.Artifact `json:"data"`
	} `json:"data"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var env callbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		sendError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if env.Data.TaskID == "" {
		sendError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	res := generation.TaskResult{
		TaskID:    env.Data.TaskID,
		Code:      env.Code,
		Status:    callbackStatus(env.Data.CallbackType),
		Artifacts: env.Data.Data,
	}
	// Ack before reconciling; the service retries un-acked callbacks and
	// the reconciler's entry guard absorbs duplicates anyway.
	go func() {
		s.orc.HandleCallback(context.Background(), res)
	}()
	sendJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	logger.Debug("callback: %s for task %s", env.Data.CallbackType, env.Data.TaskID)
}

func callbackStatus(callbackType string) string {
	switch callbackType {
	case "complete":
		return generation.StatusSuccess
	case "first":
		return generation.StatusFirstSuccess
	case "text":
		return generation.StatusTextSuccess
	case "error":
		return "GENERATE_AUDIO_FAILED"
	default:
		return generation.StatusPending
	}
}

func (s *Server) handleLibrary(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"items": s.orc.Snapshot()})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"pending": s.orc.Pending()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"tasks": s.orc.Statuses()})
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.orc.CheckMissingTask(r.Context(), taskID); err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "checked"})
}

func (s *Server) handleShareCard(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	artifact, ok := s.orc.ArtifactByID(artifactID)
	if !ok {
		sendError(w, http.StatusNotFound, "artifact not found")
		return
	}
	png, err := share.QRCard(artifact)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
