package handler

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// Checker reports whether a dependency is usable. Stores and the sandbox
// runtime implement it with their Ping methods.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
}

// DependencyStatus is the result of one check.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler serves liveness, readiness and diagnostics.
//
// Every registered check is required: readiness fails if any of them does.
type HealthHandler struct {
	checks  map[string]Checker
	build   BuildInfo
	env     string
	started time.Time
	timeout time.Duration
}

func NewHealthHandler(checks map[string]Checker, build BuildInfo, env string) *HealthHandler {
	if checks == nil {
		checks = map[string]Checker{}
	}
	return &HealthHandler{
		checks:  checks,
		build:   build,
		env:     env,
		started: time.Now(),
		timeout: 3 * time.Second,
	}
}

// HandleHealth handles GET /health.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"environment": h.env,
		"uptime":      h.uptime(),
	})
}

// HandleLive handles GET /health/live.
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    h.uptime(),
	})
}

// HandleReady handles GET /health/ready.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	deps, ok := h.runChecks(r.Context())

	body := map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
		body["failing"] = failing(deps)
	}
	writeJSON(w, status, body)
}

// HandleDetailed handles GET /health/detailed.
func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	deps, ok := h.runChecks(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	overall, status := "healthy", http.StatusOK
	if !ok {
		overall, status = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]any{
			"server": map[string]any{
				"status":     "ok",
				"uptime":     h.uptime(),
				"goroutines": runtime.NumGoroutine(),
				"heapAlloc":  mem.HeapAlloc,
				"version":    runtime.Version(),
			},
			"config": map[string]any{
				"status":      "ok",
				"environment": h.env,
			},
			"dependencies": deps,
		},
	})
}

// HandleVersion handles GET /health/version.
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     h.build.Version,
		"commit":      h.build.Commit,
		"buildDate":   h.build.BuildDate,
		"go":          runtime.Version(),
		"platform":    runtime.GOOS,
		"arch":        runtime.GOARCH,
		"environment": h.env,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// runChecks pings every dependency concurrently under one deadline.
func (h *HealthHandler) runChecks(ctx context.Context) (map[string]DependencyStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(h.checks))
	for name, c := range h.checks {
		go func() {
			results <- result{name: name, err: c.Ping(ctx)}
		}()
	}

	deps := make(map[string]DependencyStatus, len(h.checks))
	ok := true
	for range h.checks {
		res := <-results
		if res.err != nil {
			ok = false
			deps[res.name] = DependencyStatus{Status: "error", Error: res.err.Error()}
			continue
		}
		deps[res.name] = DependencyStatus{Status: "ok"}
	}
	return deps, ok
}

func (h *HealthHandler) uptime() float64 {
	return time.Since(h.started).Seconds()
}

func failing(deps map[string]DependencyStatus) []string {
	var names []string
	for name, d := range deps {
		if d.Status != "ok" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
