package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health of a single check or of the whole worker
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what a Checker reports
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth aggregates every registered check. The worst critical
// status wins; non-critical checks can degrade the worker but never make it
// unhealthy.
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc names a check function
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string                          { return c.name }
func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

type registration struct {
	checker  Checker
	critical bool
}

// RegisterOption tunes how a check counts towards the overall status
type RegisterOption func(*registration)

// NonCritical caps the check's contribution at degraded
func NonCritical() RegisterOption {
	return func(r *registration) {
		r.critical = false
	}
}

// Registry holds the worker's health checks
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]registration
	metadata map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]registration),
		metadata: make(map[string]any),
	}
}

// Register adds checker, replacing any check with the same name
func (r *Registry) Register(checker Checker, opts ...RegisterOption) {
	reg := registration{checker: checker, critical: true}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[checker.Name()] = reg
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// Names lists the registered checks in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.checks))
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs all checks concurrently. A check still running when ctx ends,
// or one that panics, is reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	regs := make([]registration, 0, len(r.checks))
	for _, name := range slices.Sorted(maps.Keys(r.checks)) {
		regs = append(regs, r.checks[name])
	}
	metadata := maps.Clone(r.metadata)
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make([]*CheckResult, len(regs))
	)

	var g errgroup.Group
	for i, reg := range regs {
		g.Go(func() error {
			res := runCheck(ctx, reg.checker)
			mu.Lock()
			results[i] = &res
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	health := OverallHealth{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(regs)),
		Metadata: metadata,
	}

	mu.Lock()
	defer mu.Unlock()

	for i, reg := range regs {
		res := results[i]
		if res == nil {
			res = &CheckResult{
				Name:      reg.checker.Name(),
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		health.Checks[res.Name] = *res

		status := res.Status
		if !reg.critical && status == StatusUnhealthy {
			status = StatusDegraded
		}
		if status.rank() > health.Status.rank() {
			health.Status = status
		}
	}

	health.Timestamp = time.Now()
	health.Duration = time.Since(start)
	return health
}

func runCheck(ctx context.Context, checker Checker) (res CheckResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = CheckResult{
				Name:      checker.Name(),
				Status:    StatusUnhealthy,
				Message:   "check panicked",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     fmt.Sprint(p),
			}
		}
	}()

	res = checker.Check(ctx)
	if res.Name == "" {
		res.Name = checker.Name()
	}
	return res
}

// Handler serves the registry as JSON. Degraded answers 200, unhealthy 503.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(health)
}

// LivenessHandler answers 200 as long as the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
