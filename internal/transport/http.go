package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/handlers"
	"github.com/avvvet/bookbuddy-intent/internal/logging"
	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// HealthStatus is the read side of the health monitor.
type HealthStatus interface {
	Status() models.ResolverHealth
}

// NewRouter exposes the session operations over HTTP, plus /healthz and /metrics.
func NewRouter(h *handlers.Handler, health HealthStatus, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	logger = logging.Component(logger, "http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resolver": health.Status()})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body models.LoginRequest
			if !decode(w, req, &body) {
				return
			}
			resp := h.Login(req.Context(), &body)
			writeJSON(w, statusFor(resp.ErrorCode), resp)
		})

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				resp := h.State(req.Context(), &models.SessionRequest{SessionID: chi.URLParam(req, "sessionID")})
				writeJSON(w, statusFor(resp.ErrorCode), resp)
			})
			r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
				resp := h.Logout(req.Context(), &models.SessionRequest{SessionID: chi.URLParam(req, "sessionID")})
				writeJSON(w, statusFor(resp.ErrorCode), resp)
			})
			r.Put("/settings", func(w http.ResponseWriter, req *http.Request) {
				var settings models.Settings
				if !decode(w, req, &settings) {
					return
				}
				resp := h.UpdateSettings(req.Context(), &models.SettingsRequest{
					SessionID: chi.URLParam(req, "sessionID"),
					Settings:  settings,
				})
				writeJSON(w, statusFor(resp.ErrorCode), resp)
			})
			r.Post("/commands", func(w http.ResponseWriter, req *http.Request) {
				var body models.CommandRequest
				if !decode(w, req, &body) {
					return
				}
				body.SessionID = chi.URLParam(req, "sessionID")
				resp := h.Submit(req.Context(), &body)
				writeJSON(w, statusFor(resp.ErrorCode), resp)
			})
			r.Post("/retry", func(w http.ResponseWriter, req *http.Request) {
				resp := h.Retry(req.Context(), &models.SessionRequest{SessionID: chi.URLParam(req, "sessionID")})
				writeJSON(w, statusFor(resp.ErrorCode), resp)
			})
		})
	})

	return r
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload(models.ErrorParseError, "invalid json"))
		return false
	}
	return true
}

func statusFor(code *string) int {
	if code == nil {
		return http.StatusOK
	}
	switch *code {
	case models.ErrorParseError:
		return http.StatusBadRequest
	case models.ErrorNotAuthenticated, models.ErrorLoginFailed:
		return http.StatusUnauthorized
	case models.ErrorSessionNotFound:
		return http.StatusNotFound
	case models.ErrorSettingsInvariant:
		return http.StatusUnprocessableEntity
	case models.ErrorRetryLimit:
		return http.StatusConflict
	case models.ErrorExecutionFailed, models.ErrorResolverFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
