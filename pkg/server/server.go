/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the benchmark clients over HTTP: creation and
// introspection endpoints, per-client logs, key inspection, and the
// conditional labels endpoint with ETag and If-Unmodified-Since semantics.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/icvsb/icvsb/pkg/benchmark"
	"github.com/icvsb/icvsb/pkg/metrics"
	"github.com/icvsb/icvsb/pkg/provider"
	"github.com/icvsb/icvsb/pkg/registry"
	"github.com/icvsb/icvsb/pkg/store"
	"github.com/icvsb/icvsb/pkg/validation"
)

const labelsCacheSize = 4096

// Server wires the HTTP surface over the registry and store.
type Server struct {
	store       *store.Store
	registry    *registry.Registry
	providerCfg provider.Config
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// labelsCache backs 304 detection on /labels, keyed by
	// "<brc-id>;<key-id>;<uri>" and holding the serialized labels last
	// served with a 200 for that key and uri.
	labelsCache *lru.Cache[string, []byte]
}

// New builds the server and its router state.
func New(st *store.Store, reg *registry.Registry, pcfg provider.Config, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New("icvsb")
	}
	cache, err := lru.New[string, []byte](labelsCacheSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:       st,
		registry:    reg,
		providerCfg: pcfg,
		metrics:     m,
		logger:      logger.Named("http"),
		labelsCache: cache,
	}, nil
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "If-Match", "If-Unmodified-Since"},
	}))

	r.Get("/", s.handleLanding)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Post("/benchmark", s.handleCreateBenchmark)
	r.Get("/benchmark/{id}", s.handleGetBenchmark)
	r.Get("/benchmark/{id}/key", s.handleGetBenchmarkKey)
	r.Get("/benchmark/{id}/log", s.handleGetBenchmarkLog)
	r.Get("/key/{id}", s.handleGetKey)
	r.Get("/labels", s.handleLabels)

	return r
}

// instrument records request counts and latencies per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html;charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html>
<head><title>icvsb</title></head>
<body>
<h1>icvsb</h1>
<p>Benchmarked request client service for computer vision labeling APIs.</p>
<p>POST /benchmark to create a client; GET /labels for conditional labeling.</p>
</body>
</html>
`)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "store-unavailable", "Store Unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBenchmark(w http.ResponseWriter, r *http.Request) {
	var cfg benchmark.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"body": "malformed JSON: " + err.Error()}))
		return
	}

	cfg.Normalize()
	if problems := cfg.Validate(); len(problems) > 0 {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path, problems))
		return
	}

	p, err := provider.New(cfg.Service, s.providerCfg, s.logger)
	if err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"service": err.Error()}))
		return
	}

	client, err := benchmark.NewClient(r.Context(), cfg, s.store, p, s.logger, s.metrics)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internal", "Internal Error", err.Error())
		return
	}

	// The client is registered and answering introspection before the first
	// benchmark completes.
	id := s.registry.Add(client)
	s.logger.Info("benchmark client created",
		zap.Int64("benchmark_client", id), zap.String("service", cfg.Service))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetBenchmark(w http.ResponseWriter, r *http.Request) {
	client, ok := s.lookupClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, client.Info())
}

func (s *Server) handleGetBenchmarkKey(w http.ResponseWriter, r *http.Request) {
	client, ok := s.lookupClient(w, r)
	if !ok {
		return
	}
	key := client.CurrentKey()
	if key == nil {
		writeProblem(w, http.StatusUnprocessableEntity, "no-key-yet", "No Key Yet",
			"the first benchmark has not completed")
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/key/%d", key.Row.ID), http.StatusFound)
}

func (s *Server) handleGetBenchmarkLog(w http.ResponseWriter, r *http.Request) {
	client, ok := s.lookupClient(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	fmt.Fprint(w, client.Logbuf().String())
}

// keyView is the /key/:id introspection payload: the key's configuration
// plus the encoded per-URI responses of its reference batch.
type keyView struct {
	ID              int64                          `json:"id"`
	Service         string                         `json:"service"`
	Severity        string                         `json:"severity"`
	CreatedAt       time.Time                      `json:"created_at"`
	Expired         bool                           `json:"expired"`
	DeltaLabels     int                            `json:"delta_labels"`
	DeltaConfidence float64                        `json:"delta_confidence"`
	MaxLabels       int                            `json:"max_labels"`
	MinConfidence   float64                        `json:"min_confidence"`
	ExpectedLabels  []string                       `json:"expected_labels"`
	URIs            []string                       `json:"benchmark_dataset"`
	Responses       map[string]store.BatchResponse `json:"responses"`
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id, err := validation.Integer(chi.URLParam(r, "id"))
	if err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"id": err.Error()}))
		return
	}
	key, err := benchmark.LoadKey(r.Context(), s.store, id)
	if err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"id": "unknown key: " + err.Error()}))
		return
	}
	writeJSON(w, http.StatusOK, keyView{
		ID:              key.Row.ID,
		Service:         key.Service,
		Severity:        key.Severity,
		CreatedAt:       key.Row.CreatedAt,
		Expired:         key.Row.Expired,
		DeltaLabels:     key.Row.DeltaLabels,
		DeltaConfidence: key.Row.DeltaConfidence,
		MaxLabels:       key.Row.MaxLabels,
		MinConfidence:   key.Row.MinConfidence,
		ExpectedLabels:  key.Row.ExpectedLabels,
		URIs:            key.URIs,
		Responses:       key.Responses,
	})
}

// lookupClient resolves the {id} route parameter to a registered client,
// writing the 400 problem itself on failure.
func (s *Server) lookupClient(w http.ResponseWriter, r *http.Request) (*benchmark.Client, bool) {
	id, err := validation.Integer(chi.URLParam(r, "id"))
	if err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"id": err.Error()}))
		return nil, false
	}
	client, ok := s.registry.Get(id)
	if !ok {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"id": fmt.Sprintf("unknown benchmark client %d", id)}))
		return nil, false
	}
	return client, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, status int, slug, title, detail string) {
	validation.WriteProblem(w, &validation.RFC7807Problem{
		Type:   "https://icvsb.io/problems/" + slug,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
