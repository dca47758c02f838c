// Package health answers the liveness and readiness probes of the tutor
// process. /healthz is 200 while the process can serve HTTP; /readyz is 200
// only when every [Checker] passes, so an orchestrator stops routing
// students to an instance whose wallet is empty or whose transport is down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// checkTimeout bounds each readiness check.
	checkTimeout = 5 * time.Second

	// checkParallelism caps the checkers running for one evaluation.
	checkParallelism = 4
)

// Status is the outcome of one check or of a whole [Report].
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Result is one checker's outcome.
type Result struct {
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report aggregates every checker's outcome.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Result `json:"checks,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == StatusOK }

// Failed returns the names of failing checks.
func (r Report) Failed() []string {
	var names []string
	for name, res := range r.Checks {
		if res.Status != StatusOK {
			names = append(names, name)
		}
	}
	return names
}

// Handler evaluates a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] over checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs every checker concurrently, each bounded by its own timeout
// derived from ctx.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]Result, len(h.checkers))}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(checkParallelism)

	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := Result{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}

			mu.Lock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = StatusFail
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe. It answers 503 when any check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, code int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
