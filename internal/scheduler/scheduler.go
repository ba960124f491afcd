// Package scheduler runs training streams per UI surface and triggers scheduled runs.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/stream"
)

// Registry holds one Session per configured UI surface.
type Registry struct {
	sessions map[string]*Session
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a session for every surface name.
func NewRegistry(
	surfaces []string,
	driver *stream.Driver,
	opener StreamOpener,
	logger *zap.Logger,
	observers ...RunObserver,
) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions: make(map[string]*Session, len(surfaces)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, name := range surfaces {
		if _, exists := r.sessions[name]; exists {
			continue
		}
		r.sessions[name] = NewSession(ctx, name, driver, opener, logger, observers...)
	}
	return r
}

// Get returns the session of a surface.
func (r *Registry) Get(surface string) (*Session, error) {
	s, ok := r.sessions[surface]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSurface, surface)
	}
	return s, nil
}

// Submit starts a run on surface, superseding the run in flight there.
func (r *Registry) Submit(ctx context.Context, surface string, req domain.TrainingRequest, trigger string) (uuid.UUID, error) {
	s, err := r.Get(surface)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Submit(ctx, req, trigger)
}

// SubmitIfIdle implements Submitter over the registered sessions.
func (r *Registry) SubmitIfIdle(ctx context.Context, surface string, req domain.TrainingRequest, trigger string) (uuid.UUID, error) {
	s, err := r.Get(surface)
	if err != nil {
		return uuid.Nil, err
	}
	return s.SubmitIfIdle(ctx, req, trigger)
}

// Surfaces returns the registered surface names in sorted order.
func (r *Registry) Surfaces() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions returns all sessions ordered by surface name.
func (r *Registry) Sessions() []*Session {
	names := r.Surfaces()
	out := make([]*Session, 0, len(names))
	for _, name := range names {
		out = append(out, r.sessions[name])
	}
	return out
}

// Shutdown cancels every run and waits for their drivers to return.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Stopping run sessions")
	start := time.Now()

	r.cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range r.sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if _, err := s.Wait(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("surface %s: %w", s.Surface(), err)
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	r.logger.Info("Run sessions stopped", zap.Duration("elapsed", time.Since(start)))
	return firstErr
}
