package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soroux/jobpulse/internal/kv"
	"github.com/soroux/jobpulse/internal/metric"
	"github.com/soroux/jobpulse/internal/metrics"
)

// Router provides embeddable HTTP handlers for the read API.
// Endpoints:
//
//	GET {basePath}/stats               aggregate durable counts
//	GET {basePath}/commands/running    live command processes
//	GET {basePath}/commands/finished   recently finished command processes
//	GET {basePath}/jobs/failed         query: limit=N (default 100)
//	GET {basePath}/processes/:id/jobs  durable job rows of one process
//	GET {basePath}/health
//	GET /metrics                       Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	store    metric.Store
	kv       kv.Store
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(store metric.Store, kvStore kv.Store, basePath string) *Router {
	return &Router{store: store, kv: kvStore, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/stats", r.handleStats)
	group.GET("/commands/running", r.handleRunningCommands)
	group.GET("/commands/finished", r.handleFinishedCommands)
	group.GET("/jobs/failed", r.handleFailedJobs)
	group.GET("/processes/:id/jobs", r.handleProcessJobs)
	group.GET("/health", r.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, store metric.Store, kvStore kv.Store) (*http.Server, error) {
	r := NewRouter(store, kvStore, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.store.Stats(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// commandEntries reads one of the commands:running / commands:finished hashes
// whose values are JSON documents written by the recorder.
func (r *Router) commandEntries(ctx context.Context, key string) ([]map[string]any, error) {
	fields, err := r.kv.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(fields))
	for _, raw := range fields {
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue // drop unreadable entries rather than failing the listing
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *Router) handleRunningCommands(c *gin.Context) {
	entries, err := r.commandEntries(c.Request.Context(), kv.RunningCommandsKey)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"commands": entries, "count": len(entries)})
}

func (r *Router) handleFinishedCommands(c *gin.Context) {
	entries, err := r.commandEntries(c.Request.Context(), kv.FinishedCommandsKey)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"commands": entries, "count": len(entries)})
}

func (r *Router) handleFailedJobs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = v
	}
	jobs, err := r.store.FailedJobs(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if jobs == nil {
		jobs = []metric.JobMetric{}
	}
	writeJSON(c, http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (r *Router) handleProcessJobs(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "process id required"})
		return
	}
	jobs, err := r.store.JobsByProcess(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if jobs == nil {
		jobs = []metric.JobMetric{}
	}
	writeJSON(c, http.StatusOK, gin.H{"process_id": id, "jobs": jobs, "count": len(jobs)})
}

func (r *Router) handleHealth(c *gin.Context) {
	if _, err := r.store.Stats(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
