// authsvc runs the authorization and credit core as an HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/config"
	"github.com/genstudio/authcore/internal/core"
	"github.com/genstudio/authcore/internal/credits"
	"github.com/genstudio/authcore/internal/model"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if !cfg.IsProduction() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c, err := core.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("core init failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(c, cfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func newRouter(c *core.Core, cfg *config.Config) *mux.Router {
	h := &handlers{core: c, cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/authorize", h.authorize).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	api.HandleFunc("/credits/validate", h.validateCredits).Methods(http.MethodPost)
	api.HandleFunc("/credits/spend", h.spend).Methods(http.MethodPost)
	api.HandleFunc("/credits/grant", h.grant).Methods(http.MethodPost)
	api.HandleFunc("/credits/usage/{id}", h.usage).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	return r
}

type handlers struct {
	core *core.Core
	cfg  *config.Config
}

type authorizeRequest struct {
	UserID       string `json:"user_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Operation    string `json:"operation"`
}

type creditRequest struct {
	UserID         string `json:"user_id"`
	Amount         int    `json:"amount"`
	Kind           string `json:"kind,omitempty"`
	GenerationID   string `json:"generation_id,omitempty"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Required       int    `json:"required,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	report := h.core.Health(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "bad_request", "malformed request body"))
		return
	}
	decision, err := h.core.Authorize(r.Context(), bearerToken(r), req.UserID,
		model.ResourceType(req.ResourceType), req.ResourceID, model.Operation(req.Operation))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.core.GetUser(r.Context(), bearerToken(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handlers) validateCredits(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "bad_request", "malformed request body"))
		return
	}
	if err := h.core.ValidateCredits(r.Context(), bearerToken(r), req.UserID, req.Required); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sufficient": true})
}

func (h *handlers) spend(w http.ResponseWriter, r *http.Request) {
	h.mutateCredits(w, r, h.core.SpendCredits)
}

func (h *handlers) grant(w http.ResponseWriter, r *http.Request) {
	h.mutateCredits(w, r, h.core.GrantCredits)
}

func (h *handlers) mutateCredits(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, credits.Request) (*credits.Result, error)) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "bad_request", "malformed request body"))
		return
	}
	res, err := fn(r.Context(), credits.Request{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Kind:           model.LedgerKind(req.Kind),
		GenerationID:   req.GenerationID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		BearerToken:    bearerToken(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	since := time.Now().AddDate(0, -1, 0)
	if v := r.URL.Query().Get("days"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			since = time.Now().AddDate(0, 0, -days)
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	summary, err := h.core.UsageAnalytics(r.Context(), mux.Vars(r)["id"], since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Metrics())
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindInsufficientCredits:
		status = http.StatusPaymentRequired
	case apperr.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
