// Package endpoint selects a reachable backend base address from a
// prioritized candidate list and remembers the choice across restarts.
package endpoint

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matfraga/pigeon/internal/store"
	"go.uber.org/zap"
)

// ErrNoEndpoint is returned when every candidate fails its health probe.
// Callers must treat this as offline and must not fall back to a stale address.
var ErrNoEndpoint = errors.New("no reachable endpoint")

// probePaths are the well-known relative paths tried in order during a probe.
// Any non-5xx answer on any of them counts: the server is alive and speaking
// HTTP even if the specific path is unauthorized or missing.
var probePaths = []string{"/healthz", "/api/ping", "/"}

// Resolver probes candidates and persists the first reachable one.
type Resolver struct {
	db         *store.DB
	candidates []string
	client     *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewResolver creates a resolver over the configured candidate list.
// timeout bounds each individual probe request.
func NewResolver(db *store.DB, candidates []string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		db:         db,
		candidates: candidates,
		client:     &http.Client{},
		timeout:    timeout,
		logger:     logger,
	}
}

// Resolve returns a reachable base address. The previously persisted address
// is probed first; on failure each configured candidate is tried in priority
// order. The winner is persisted for future process starts.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	persisted, err := r.db.GetKV(store.KeyEndpoint)
	if err != nil {
		return "", err
	}

	if persisted != "" && r.probe(ctx, persisted) {
		return persisted, nil
	}

	for _, candidate := range r.candidates {
		if candidate == persisted {
			continue // already failed above
		}
		if r.probe(ctx, candidate) {
			if err := r.db.SetKV(store.KeyEndpoint, candidate); err != nil {
				return "", err
			}
			r.logger.Info("endpoint resolved", zap.String("address", candidate))
			return candidate, nil
		}
	}

	return "", ErrNoEndpoint
}

// probe checks whether base answers on any well-known path.
func (r *Resolver) probe(ctx context.Context, base string) bool {
	for _, path := range probePaths {
		if r.probePath(ctx, base+path) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (r *Resolver) probePath(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("probe failed", zap.String("url", url), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
