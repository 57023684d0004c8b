// Package health provides the liveness and readiness probes.
//
// /healthz reports whether the process can serve HTTP at all and always
// answers 200. /readyz runs the configured [Checker] list and answers 503
// as soon as any of them fails, which lets a load balancer stop routing
// new connections to a saturated or misconfigured instance.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy; it must respect context cancellation.
type Checker struct {
	// Name keys the check's result in the JSON response.
	Name string

	Check func(ctx context.Context) error
}

// CredentialsChecker returns a [Checker] that fails when any of the named
// environment variables is unset or empty. Used to gate readiness on provider
// API keys being present.
func CredentialsChecker(name string, vars ...string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			for _, v := range vars {
				if os.Getenv(v) == "" {
					return fmt.Errorf("missing credential %s", v)
				}
			}
			return nil
		},
	}
}

// SessionCapacityChecker returns a [Checker] that fails once the live
// session count reaches limit. count is polled on each probe; a limit of
// zero disables the check.
func SessionCapacityChecker(count func() int, limit int) Checker {
	return Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if limit <= 0 {
				return nil
			}
			if n := count(); n >= limit {
				return fmt.Errorf("at capacity: %d/%d sessions", n, limit)
			}
			return nil
		},
	}
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200; a process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every checker passes, 503 otherwise. The
// response body names each check with "ok" or its failure message.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep, ready := h.evaluate(r.Context())
	if !ready {
		respond(w, http.StatusServiceUnavailable, rep)
		return
	}
	respond(w, http.StatusOK, rep)
}

// evaluate runs every checker under its own timeout and folds the results
// into a report.
func (h *Handler) evaluate(ctx context.Context) (report, bool) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	ready := true

	for _, c := range h.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(checkCtx)
		cancel()

		if err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			ready = false
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	return rep, ready
}

func respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
