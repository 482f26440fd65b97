// Package health serves the probe endpoints.
//
// Three routes are mounted by [Handler.Register]:
//
//   - /healthz — liveness; answers 200 whenever the process serves HTTP.
//   - /readyz  — readiness; 200 only when every dependency [Checker] passes
//     and the synthesis engine reports warm.
//   - /health  — public alias for /readyz, so clients get the dependency map
//     and the engine snapshot (device, warm, breaker state) from one URL.
//
// Bodies are JSON: {"status": "ok"|"fail", "checks": {...}, "engine": {...}}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxmill/voxmill/internal/engine"
)

// Each dependency probe gets this long before its context is cancelled.
const checkTimeout = 5 * time.Second

// Checker probes one dependency by name. Check returns nil when healthy; the
// error text is surfaced verbatim in the response body.
type Checker struct {
	// Name keys the probe result in the "checks" map (e.g. "store", "queue").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Handler answers the probe routes. The checker list and engine source are
// fixed at construction, so the zero synchronisation is safe.
type Handler struct {
	checkers    []Checker
	engineState func() engine.State
}

// New builds a [Handler]. engineState supplies the synthesis engine snapshot
// for readiness; pass nil when no engine is wired (tests). Checkers run
// sequentially in the order given.
func New(engineState func() engine.State, checkers ...Checker) *Handler {
	return &Handler{
		checkers:    append([]Checker(nil), checkers...),
		engineState: engineState,
	}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Readyz)
}

// Healthz reports liveness. No dependencies are consulted.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker, folds in the engine snapshot, and answers 200
// only when nothing failed and the engine is warm.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	if h.engineState != nil {
		state := h.engineState()
		res.Engine = &state
		ready = ready && state.Warm
	}

	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// result is the wire shape shared by all three routes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Engine *engine.State     `json:"engine,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
