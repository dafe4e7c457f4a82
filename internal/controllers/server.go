// Package controllers implements the CFS HTTP surface: components,
// configurations, sessions, sources, options, health and version endpoints,
// in both the v2 and v3 API revisions. Records are stored in the v3
// snake_case shape; v2 handlers translate at the boundary.
package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/Cray-HPE/cfs-api/internal/events"
	"github.com/Cray-HPE/cfs-api/internal/options"
	"github.com/Cray-HPE/cfs-api/internal/secrets"
	"github.com/Cray-HPE/cfs-api/internal/store"
	"github.com/Cray-HPE/cfs-api/internal/tenancy"
)

const timeFormat = "2006-01-02T15:04:05Z"

// BranchResolver turns a (clone URL, branch) pair into a commit hash,
// optionally using a source record's credentials.
type BranchResolver interface {
	ResolveBranch(ctx context.Context, cloneURL, branch string, source store.Entry) (string, error)
}

// Config wires the server's collaborators.
type Config struct {
	Components     store.Store
	Configurations store.Store
	Sessions       store.Store
	Sources        store.Store
	OptionsStore   store.Store

	Options  *options.Cache
	Resolver BranchResolver
	Secrets  secrets.Store
	Events   events.Publisher
	Tenants  tenancy.Directory

	// ARAURL returns the ARA UI host used to build log links, or "".
	ARAURL func(ctx context.Context) string

	Logger logr.Logger
}

// Server holds all HTTP handlers.
type Server struct {
	components     store.Store
	configurations store.Store
	sessions       store.Store
	sources        store.Store
	optionsStore   store.Store

	opts     *options.Cache
	resolver BranchResolver
	secrets  secrets.Store
	events   events.Publisher
	tenants  tenancy.Directory
	araURL   func(ctx context.Context) string

	log     logr.Logger
	metrics *metrics
	now     func() time.Time
}

// New builds the server.
func New(cfg Config) *Server {
	araURL := cfg.ARAURL
	if araURL == nil {
		araURL = func(context.Context) string { return "" }
	}
	return &Server{
		components:     cfg.Components,
		configurations: cfg.Configurations,
		sessions:       cfg.Sessions,
		sources:        cfg.Sources,
		optionsStore:   cfg.OptionsStore,
		opts:           cfg.Options,
		resolver:       cfg.Resolver,
		secrets:        cfg.Secrets,
		events:         cfg.Events,
		tenants:        cfg.Tenants,
		araURL:         araURL,
		log:            cfg.Logger.WithName("api"),
		metrics:        newMetrics(),
		now:            time.Now,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.getHealthz)
	mux.Handle("GET /metrics", s.metrics.handler())
	mux.HandleFunc("GET /{$}", s.getVersion)
	mux.HandleFunc("GET /versions", s.getVersion)
	mux.HandleFunc("GET /v2", s.getVersion)
	mux.HandleFunc("GET /v3", s.getVersion)

	mux.HandleFunc("GET /v3/options", s.getOptionsV3)
	mux.HandleFunc("PATCH /v3/options", s.patchOptionsV3)
	mux.HandleFunc("GET /v2/options", s.getOptionsV2)
	mux.HandleFunc("PATCH /v2/options", s.patchOptionsV2)

	mux.HandleFunc("GET /v3/components", s.getComponentsV3)
	mux.HandleFunc("PUT /v3/components", s.putComponentsV3)
	mux.HandleFunc("PATCH /v3/components", s.patchComponentsV3)
	mux.HandleFunc("GET /v3/components/{id}", s.getComponentV3)
	mux.HandleFunc("PUT /v3/components/{id}", s.putComponentV3)
	mux.HandleFunc("PATCH /v3/components/{id}", s.patchComponentV3)
	mux.HandleFunc("DELETE /v3/components/{id}", s.deleteComponentV3)
	mux.HandleFunc("GET /v2/components", s.getComponentsV2)
	mux.HandleFunc("PUT /v2/components", s.putComponentsV2)
	mux.HandleFunc("PATCH /v2/components", s.patchComponentsV2)
	mux.HandleFunc("GET /v2/components/{id}", s.getComponentV2)
	mux.HandleFunc("PUT /v2/components/{id}", s.putComponentV2)
	mux.HandleFunc("PATCH /v2/components/{id}", s.patchComponentV2)
	mux.HandleFunc("DELETE /v2/components/{id}", s.deleteComponentV2)

	mux.HandleFunc("GET /v3/configurations", s.getConfigurationsV3)
	mux.HandleFunc("GET /v3/configurations/{id}", s.getConfigurationV3)
	mux.HandleFunc("PUT /v3/configurations/{id}", s.putConfigurationV3)
	mux.HandleFunc("PATCH /v3/configurations/{id}", s.patchConfigurationV3)
	mux.HandleFunc("DELETE /v3/configurations/{id}", s.deleteConfigurationV3)
	mux.HandleFunc("GET /v2/configurations", s.getConfigurationsV2)
	mux.HandleFunc("GET /v2/configurations/{id}", s.getConfigurationV2)
	mux.HandleFunc("PUT /v2/configurations/{id}", s.putConfigurationV2)
	mux.HandleFunc("PATCH /v2/configurations/{id}", s.patchConfigurationV2)
	mux.HandleFunc("DELETE /v2/configurations/{id}", s.deleteConfigurationV2)

	mux.HandleFunc("GET /v3/sessions", s.getSessionsV3)
	mux.HandleFunc("POST /v3/sessions", s.createSessionV3)
	mux.HandleFunc("DELETE /v3/sessions", s.deleteSessionsV3)
	mux.HandleFunc("GET /v3/sessions/{name}", s.getSessionV3)
	mux.HandleFunc("PATCH /v3/sessions/{name}", s.patchSessionV3)
	mux.HandleFunc("DELETE /v3/sessions/{name}", s.deleteSessionV3)
	mux.HandleFunc("GET /v2/sessions", s.getSessionsV2)
	mux.HandleFunc("POST /v2/sessions", s.createSessionV2)
	mux.HandleFunc("DELETE /v2/sessions", s.deleteSessionsV2)
	mux.HandleFunc("GET /v2/sessions/{name}", s.getSessionV2)
	mux.HandleFunc("PATCH /v2/sessions/{name}", s.patchSessionV2)
	mux.HandleFunc("DELETE /v2/sessions/{name}", s.deleteSessionV2)

	// Source names default to clone URLs, so ids arrive percent-encoded and
	// may span path segments.
	mux.HandleFunc("GET /v3/sources", s.getSourcesV3)
	mux.HandleFunc("POST /v3/sources", s.createSourceV3)
	mux.HandleFunc("GET /v3/sources/{id...}", s.getSourceV3)
	mux.HandleFunc("PATCH /v3/sources/{id...}", s.patchSourceV3)
	mux.HandleFunc("DELETE /v3/sources/{id...}", s.deleteSourceV3)

	return s.middleware(mux)
}

// middleware refreshes the options snapshot before each handler and records
// request metrics. The health and metrics endpoints bypass the refresh so a
// store outage is reported rather than masked.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			if err := s.opts.Refresh(r.Context()); err != nil {
				s.log.Error(err, "options refresh failed", "path", r.URL.Path)
			}
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.observe(r.Method, r.URL.Path, recorder.status, s.now().Sub(start))
		s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "status", recorder.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// problem writes an RFC 7807 style problem document.
func problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"title":  title,
		"detail": detail,
	})
}

// storeProblem maps store errors onto problem documents: missing entries are
// 404, an exhausted retry budget or an unreachable store is 503.
func (s *Server) storeProblem(w http.ResponseWriter, err error, kind, id string) {
	switch {
	case store.IsNoEntry(err):
		problem(w, http.StatusNotFound, fmt.Sprintf("%s not found", kind),
			fmt.Sprintf("%s %s could not be found", kind, id))
	case store.IsTooBusy(err):
		problem(w, http.StatusServiceUnavailable, "The database is busy",
			err.Error())
	default:
		s.log.Error(err, "database error", "kind", kind, "id", id)
		problem(w, http.StatusServiceUnavailable, "The database is unavailable",
			"An error occurred communicating with the database")
	}
}

// decodeBody parses a JSON request body into out.
func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
