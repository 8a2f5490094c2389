package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
	"tenantgate.dev/internal/records"
	"tenantgate.dev/internal/stream"
)

const serviceName = "tenantgate-api"

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the database and any extra dependencies.
type ReadyProbe struct {
	DB    *sql.DB
	Extra []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, p := range rp.Extra {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecordStore is the record persistence the API serves. records.Store and
// records.MemoryStore both satisfy it.
type RecordStore interface {
	authz.ResourceLoader
	Find(ctx context.Context, q records.Query) (records.Page, error)
	Get(ctx context.Context, id string) (records.Record, error)
	Create(ctx context.Context, rec records.Record) (records.Record, error)
	Update(ctx context.Context, id string, patch records.Patch) (records.Record, error)
	SoftDelete(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error
}

// Config wires the API's collaborators.
type Config struct {
	Auth     *auth.Service
	Resolver *authz.Resolver
	Records  RecordStore
	Audit    *audit.Recorder
	Stream   *stream.Hub
	Ready    ReadyProbe
	Version  string
	Logger   *zap.Logger

	MaxBodyBytes int64

	// RateBurst and RatePerSecond enable per-IP rate limiting when both are positive.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	auth     *auth.Service
	resolver *authz.Resolver
	records  RecordStore
	audit    *audit.Recorder
	stream   *stream.Hub
	ready    ReadyProbe
	version  string
	logger   *zap.Logger
	maxBody  int64
	limiter  *RateLimiter
	router   chi.Router
}

// New builds the API and its routes.
func New(cfg Config) *API {
	a := &API{
		auth:     cfg.Auth,
		resolver: cfg.Resolver,
		records:  cfg.Records,
		audit:    cfg.Audit,
		stream:   cfg.Stream,
		ready:    cfg.Ready,
		version:  cfg.Version,
		logger:   cfg.Logger,
		maxBody:  cfg.MaxBodyBytes,
	}
	if a.logger == nil {
		a.logger = obs.Logger()
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if cfg.RateBurst > 0 && cfg.RatePerSecond > 0 {
		a.limiter = NewRateLimiter(cfg.RateBurst, cfg.RatePerSecond)
	}
	if a.resolver != nil && a.records != nil {
		a.resolver.Register(records.ResourceType, a.records)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Recover(a.logger), Logging(a.logger), SecurityHeaders, CORS, MaxBodyBytes(a.maxBody))
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Post("/auth/join", a.handleJoin)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/refresh", a.handleRefresh)
		r.Post("/auth/logout", a.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(a.requireBearer)

			r.Get("/me", a.handleMe)
			r.Get("/actors/{id}", a.handleGetActor)
			r.Post("/actors/{id}/deactivate", a.handleDeactivateActor)
			r.Post("/actors/{id}/reactivate", a.handleReactivateActor)
			r.Delete("/actors/{id}", a.handleDeleteActor)
			r.Get("/actors/{id}/assignments", a.handleListAssignments)

			r.Post("/assignments", a.handleCreateAssignment)
			r.Patch("/assignments/{id}", a.handleUpdateAssignment)
			r.Delete("/assignments/{id}", a.handleDeleteAssignment)

			r.Get("/tenants/{tenantID}/records", a.handleListRecords)
			r.Post("/tenants/{tenantID}/records", a.handleCreateRecord)
			r.Get("/records/{id}", a.handleGetRecord)
			r.Patch("/records/{id}", a.handleUpdateRecord)
			r.Delete("/records/{id}", a.handleDeleteRecord)
			r.Delete("/records/{id}/purge", a.handlePurgeRecord)

			r.Get("/audit", a.handleListAudit)
			r.Get("/audit/stream", a.handleAuditStream)
		})
	})
	return r
}

// Handler returns the router wrapped with HTTP metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// Close releases background resources.
func (a *API) Close() {
	if a.limiter != nil {
		a.limiter.Stop()
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrUnauthorized:
		return http.StatusUnauthorized
	case errs.ErrForbidden:
		return http.StatusForbidden
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrConflict:
		return http.StatusConflict
	case errs.ErrValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Internal failures, audit failures
// included, are logged and reported without detail.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r)),
			zap.Error(err),
		)
		writeError(w, r, code, "internal error")
		return
	}
	writeError(w, r, code, strings.TrimPrefix(err.Error(), "errs: "))
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if v < min || v > max {
		return 0, errors.New("out of range")
	}
	return v, nil
}
