// Package api exposes the session controller and the analyzer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"referral-probe/pkg/credentials"
	"referral-probe/pkg/fetch"
	"referral-probe/pkg/models"
	"referral-probe/pkg/session"
	"referral-probe/pkg/targets"
)

type Deps struct {
	Controller *session.Controller
	Analyzer   session.Analyzer
	Accounts   credentials.Store
	Gatherer   prometheus.Gatherer
	StartTime  time.Time
}

// NewRouter wires every route.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	h := &handlers{d: d}

	r.Get("/healthz", h.healthz)
	r.Get("/accounts", h.accounts)

	r.Route("/users/{user}", func(r chi.Router) {
		r.Get("/last-link", h.lastLink)
		r.Delete("/session", h.resetSession)

		r.Post("/custom-link/prompt", h.promptCustomLink)
		r.Delete("/custom-link/prompt", h.cancelPrompt)
		r.Post("/custom-link", h.submitCustomLink)

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Post("/link", h.getLink)
			r.Post("/stats", h.stats)
			r.Post("/check", h.checkAccountLink)
			r.Post("/scan", h.scan)
		})
	})

	r.Post("/check", h.check)
	r.Post("/check/bulk", h.checkBulk)

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// NewServer returns an http.Server for handler. Write timeouts are left
// unset because bulk scans stream nothing until they finish.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		precondition *credentials.PreconditionError
		invalidURL   *targets.InvalidURLError
		exhausted    *fetch.ExhaustedRetriesError
		extraction   *fetch.ExtractionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &precondition):
		status = http.StatusPreconditionFailed
	case errors.As(err, &invalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotWaiting):
		status = http.StatusConflict
	case errors.As(err, &exhausted), errors.As(err, &extraction):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type handlers struct {
	d Deps
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(h.d.StartTime).Seconds(),
	})
}

func (h *handlers) accounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"accounts": h.d.Accounts.Names()})
}

func (h *handlers) getLink(w http.ResponseWriter, r *http.Request) {
	result, err := h.d.Controller.GetLink(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statsResponse struct {
	Referral *models.ReferralResult `json:"referral"`
	Downline *models.DownlineResult `json:"downline"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	referral, downline, err := h.d.Controller.Stats(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Referral: referral, Downline: downline})
}

type accountCheckResponse struct {
	Referral *models.ReferralResult     `json:"referral"`
	Report   *models.AccessibilityReport `json:"report"`
}

func (h *handlers) checkAccountLink(w http.ResponseWriter, r *http.Request) {
	referral, report, err := h.d.Controller.CheckAccountLink(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountCheckResponse{Referral: referral, Report: report})
}

func (h *handlers) scan(w http.ResponseWriter, r *http.Request) {
	result, err := h.d.Controller.BulkScan(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "account"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) lastLink(w http.ResponseWriter, r *http.Request) {
	link, ok, err := h.d.Controller.LastLink(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "link not found, fetch it first"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"referral_link": link})
}

func (h *handlers) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Controller.Reset(r.Context(), chi.URLParam(r, "user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) promptCustomLink(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Controller.PromptCustomLink(r.Context(), chi.URLParam(r, "user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cancelPrompt(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Controller.CancelPrompt(r.Context(), chi.URLParam(r, "user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkRequest struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

func (h *handlers) submitCustomLink(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	report, err := h.d.Controller.SubmitCustomLink(r.Context(), chi.URLParam(r, "user"), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	report, err := h.d.Analyzer.CheckLink(r.Context(), req.URL, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type bulkRequest struct {
	URLs []string `json:"urls"`
}

func (h *handlers) checkBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must list urls"})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Analyzer.CheckMultiple(r.Context(), req.URLs, nil))
}
