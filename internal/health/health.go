// Package health serves liveness and readiness probes for livescribe.
//
//   - /healthz reports that the process serves HTTP. It always returns 200.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding one entry per checker. Ready responses also carry the
// process uptime.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrRecognitionUnsupported is reported while no recognition backend exists.
var ErrRecognitionUnsupported = errors.New("speech recognition is not supported")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with its own [checkTimeout]
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	res := result{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
		Checks: checks,
	}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// RecognitionChecker fails while supported reports false.
func RecognitionChecker(supported func() bool) Checker {
	return Checker{
		Name: "recognition",
		Check: func(context.Context) error {
			if !supported() {
				return ErrRecognitionUnsupported
			}
			return nil
		},
	}
}

// Breakers exposes per-backend circuit breaker state.
type Breakers interface {
	Backends() []string
	BreakerState(name string) (resilience.State, bool)
}

// BackendsChecker fails when every recognition backend has an open breaker.
// A half-open backend counts as available.
func BackendsChecker(b Breakers) Checker {
	return Checker{
		Name: "backends",
		Check: func(context.Context) error {
			names := b.Backends()
			var open []string
			for _, name := range names {
				if st, ok := b.BreakerState(name); ok && st == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(names) > 0 && len(open) == len(names) {
				return fmt.Errorf("all backends open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
