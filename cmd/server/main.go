package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/forecastra/abrouter/internal/aggregate"
	"github.com/forecastra/abrouter/internal/api"
	"github.com/forecastra/abrouter/internal/assign"
	"github.com/forecastra/abrouter/internal/cache"
	"github.com/forecastra/abrouter/internal/lifecycle"
	"github.com/forecastra/abrouter/internal/metrics"
	"github.com/forecastra/abrouter/internal/store"
	"github.com/forecastra/abrouter/internal/wal"
	"github.com/forecastra/abrouter/pkg/otel"
)

type Server struct {
	manager     *lifecycle.Manager
	assignCache *cache.AssignmentCache[string, api.Variant]
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Setup experiment store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var expStore store.Store
	var err error

	switch storeBackend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/experiments.json")
		expStore, err = store.NewMemoryStore(snapshotPath)
		if err != nil {
			log.Fatalf("Failed to create memory store: %v", err)
		}
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		expStore, err = store.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		expStore, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Assemble the router core
	agg := aggregate.New()
	manager := lifecycle.NewManager(expStore, assign.NewEngine(), agg)
	if err := manager.Load(ctx); err != nil {
		log.Fatalf("Failed to load experiment registry: %v", err)
	}

	// Observation WAL: replay first, then attach for new writes
	walDir := getEnv("WAL_DIR", "data/wal")
	replayed, err := wal.Replay(walDir)
	if err != nil {
		log.Fatalf("Failed to replay observation WAL: %v", err)
	}
	for _, obs := range replayed {
		manager.Restore(obs)
	}
	if len(replayed) > 0 {
		log.Printf("Replayed %d observations from WAL", len(replayed))
	}

	obsWAL, err := wal.NewObservationWAL(walDir)
	if err != nil {
		log.Fatalf("Failed to create observation WAL: %v", err)
	}
	manager.SetObservationWAL(obsWAL)

	// Assignment memo (sticky assignments are deterministic; this only
	// saves recomputation on hot keys)
	cacheSize := getEnvInt("ASSIGN_CACHE_SIZE", 10000)
	cacheTTL := time.Duration(getEnvInt("ASSIGN_CACHE_TTL_SEC", 300)) * time.Second
	assignCache, err := cache.New[string, api.Variant](cacheSize, cacheTTL)
	if err != nil {
		log.Fatalf("Failed to create assignment cache: %v", err)
	}

	// Setup metrics
	m := metrics.New()

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	// Optional tracing
	var tracerShutdown func()
	if getEnv("OTEL_ENABLED", "") == "true" {
		otelConfig := otel.DefaultConfig("abrouter")
		otelConfig.CollectorEndpoint = getEnv("OTEL_COLLECTOR", "localhost:4317")
		tp, err := otel.InitTracer(ctx, otelConfig)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tracerShutdown = func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				log.Printf("Tracer shutdown error: %v", err)
			}
		}
	}

	srv := &Server{
		manager:     manager,
		assignCache: assignCache,
		metrics:     m,
		limiter:     limiter,
	}

	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/experiments", srv.handleCreate)
	mux.HandleFunc("GET /v1/experiments", srv.handleList)
	mux.HandleFunc("GET /v1/experiments/{id}", srv.handleGet)
	mux.HandleFunc("GET /v1/experiments/{id}/assign", srv.handleAssign)
	mux.HandleFunc("POST /v1/experiments/{id}/observations", srv.handleObserve)
	mux.HandleFunc("GET /v1/experiments/{id}/results", srv.handleResults)
	mux.HandleFunc("GET /v1/experiments/{id}/winner", srv.handleWinner)
	mux.HandleFunc("GET /v1/experiments/{id}/summary", srv.handleSummary)
	mux.HandleFunc("POST /v1/experiments/{id}/stop", srv.handleStop)
	mux.HandleFunc("POST /v1/experiments/{id}/promote", srv.handlePromote)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting experiment router on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := obsWAL.Close(); err != nil {
		log.Printf("Error closing observation WAL: %v", err)
	}
	if err := expStore.Close(); err != nil {
		log.Printf("Error closing experiment store: %v", err)
	}
	if tracerShutdown != nil {
		tracerShutdown()
	}

	log.Println("Server stopped")
}

type createRequest struct {
	ExperimentID  string        `json:"experiment_id"`
	ModelName     string        `json:"model_name"`
	Variants      []api.Variant `json:"variants"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
	SuccessMetric string        `json:"success_metric"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SuccessMetric == "" {
		req.SuccessMetric = api.MetricAccuracy
	}
	if req.StartDate.IsZero() {
		req.StartDate = time.Now().UTC()
	}

	exp, err := s.manager.CreateExperiment(r.Context(), req.ExperimentID, req.ModelName,
		req.Variants, req.StartDate, req.EndDate, req.SuccessMetric)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.metrics.ExperimentsCreated.Inc()
	respondJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.ListExperiments())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	exp, err := s.manager.GetExperiment(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

type assignResponse struct {
	Applicable bool         `json:"applicable"`
	Variant    *api.Variant `json:"variant,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	experimentID := r.PathValue("id")
	requesterKey := r.URL.Query().Get("requester")
	s.metrics.AssignmentsTotal.Inc()

	// Keyed assignments are deterministic; serve hot keys from the memo.
	cacheKey := ""
	if requesterKey != "" {
		cacheKey = assign.BucketKey(experimentID, requesterKey)
		if v, ok := s.assignCache.Get(cacheKey); ok {
			s.metrics.AssignmentCacheHits.Inc()
			s.metrics.AssignmentsByVariant.WithLabelValues(experimentID, v.VariantID).Inc()
			respondJSON(w, http.StatusOK, assignResponse{Applicable: true, Variant: &v})
			return
		}
	}

	variant, err := s.manager.SelectVariant(r.Context(), experimentID, requesterKey)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if variant == nil {
		// Routing absence is a normal outcome; the caller falls back to its
		// default model.
		s.metrics.AssignmentsNoMatch.Inc()
		respondJSON(w, http.StatusOK, assignResponse{Applicable: false})
		return
	}

	if cacheKey != "" {
		s.assignCache.Set(cacheKey, *variant)
	}
	s.metrics.AssignmentsByVariant.WithLabelValues(experimentID, variant.VariantID).Inc()
	respondJSON(w, http.StatusOK, assignResponse{Applicable: true, Variant: variant})
}

type observeRequest struct {
	VariantID     string   `json:"variant_id"`
	Accuracy      float64  `json:"accuracy"`
	LatencyMs     float64  `json:"latency_ms"`
	ErrorOccurred bool     `json:"error_occurred"`
	UserFeedback  *float64 `json:"user_feedback,omitempty"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	experimentID := r.PathValue("id")

	var req observeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	err := s.manager.RecordObservation(r.Context(), experimentID, req.VariantID,
		req.Accuracy, req.LatencyMs, req.ErrorOccurred, req.UserFeedback)
	if err != nil {
		if errors.Is(err, api.ErrStorage) {
			s.metrics.WALErrors.Inc()
		}
		s.respondError(w, err)
		return
	}

	s.metrics.ObservationsTotal.Inc()
	s.metrics.ObservationsByVariant.WithLabelValues(experimentID, req.VariantID).Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.Results(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		if exp, err := s.manager.GetExperiment(experimentID); err == nil {
			metric = exp.SuccessMetric
		}
	}

	minObs := int64(lifecycle.DefaultMinObservations)
	if v := r.URL.Query().Get("min_observations"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid min_observations", http.StatusBadRequest)
			return
		}
		minObs = parsed
	}

	winner, err := s.manager.SelectWinner(experimentID, metric, minObs)
	if err != nil {
		s.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"winner": winner})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.Summary(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	if err := s.manager.StopExperiment(r.Context(), experimentID); err != nil {
		s.respondError(w, err)
		return
	}

	s.metrics.ExperimentsStopped.Inc()
	s.invalidateAssignments(experimentID)
	w.WriteHeader(http.StatusNoContent)
}

type promoteRequest struct {
	VariantID string `json:"variant_id"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")

	var req promoteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	modelPath, err := s.manager.PromoteVariant(r.Context(), experimentID, req.VariantID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.metrics.ExperimentsDone.Inc()
	s.invalidateAssignments(experimentID)
	respondJSON(w, http.StatusOK, map[string]string{
		"winner":     req.VariantID,
		"model_path": modelPath,
	})
}

// invalidateAssignments drops memoized assignments for an experiment after
// a lifecycle transition so stale variants stop being served immediately.
func (s *Server) invalidateAssignments(experimentID string) {
	prefix := experimentID + ":"
	s.assignCache.Invalidate(func(key string) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	})
}

func (s *Server) allow(w http.ResponseWriter) bool {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case api.IsValidation(err), errors.Is(err, api.ErrInvalidMetric):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, api.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, api.ErrAlreadyExists), errors.Is(err, api.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, api.ErrStorage):
		s.metrics.StorageErrors.Inc()
		log.Printf("Storage error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		log.Printf("Unhandled error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
