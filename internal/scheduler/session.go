package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/stream"
)

// StreamOpener binds a training request to the stream it produces.
type StreamOpener interface {
	Opener(req domain.TrainingRequest) stream.OpenFunc
}

// Session owns the runs of one UI surface. At most one run streams at a
// time; submitting a new run cancels the previous one and waits for it to
// release its connection before the surface is reset to Idle.
type Session struct {
	surface   string
	driver    *stream.Driver
	opener    StreamOpener
	observers []RunObserver
	logger    *zap.Logger

	baseCtx context.Context

	// mu serializes Submit and Cancel and guards active.
	mu     sync.Mutex
	active *runningRun

	current atomic.Pointer[progress.Snapshot]

	subsMu  sync.Mutex
	subs    map[int]chan progress.Snapshot
	nextSub int
}

// runningRun tracks the run currently streaming on a surface.
type runningRun struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session for one surface. Runs are bound to ctx, so
// cancelling it stops every run of the session.
func NewSession(
	ctx context.Context,
	surface string,
	driver *stream.Driver,
	opener StreamOpener,
	logger *zap.Logger,
	observers ...RunObserver,
) *Session {
	s := &Session{
		surface:   surface,
		driver:    driver,
		opener:    opener,
		observers: observers,
		logger:    logger.With(zap.String("surface", surface)),
		baseCtx:   ctx,
		subs:      make(map[int]chan progress.Snapshot),
	}
	idle := progress.NewSnapshot(uuid.Nil, surface, 0, progress.NewRunState())
	s.current.Store(&idle)
	return s
}

// Surface returns the surface name.
func (s *Session) Surface() string {
	return s.surface
}

// Submit starts a new run with req, superseding any run in flight.
// The request is normalized (defaults applied) and validated first.
func (s *Session) Submit(ctx context.Context, req domain.TrainingRequest, trigger string) (uuid.UUID, error) {
	return s.submit(ctx, req, trigger, true)
}

// SubmitIfIdle starts a run only when no run is in flight on the surface,
// returning domain.ErrRunActive otherwise.
func (s *Session) SubmitIfIdle(ctx context.Context, req domain.TrainingRequest, trigger string) (uuid.UUID, error) {
	return s.submit(ctx, req, trigger, false)
}

func (s *Session) submit(ctx context.Context, req domain.TrainingRequest, trigger string, supersede bool) (uuid.UUID, error) {
	if err := req.Normalize(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !supersede && s.active != nil {
		return uuid.Nil, domain.ErrRunActive
	}
	if err := s.stopActive(ctx); err != nil {
		return uuid.Nil, err
	}

	info := RunInfo{
		ID:        uuid.New(),
		Surface:   s.surface,
		Request:   req,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	run := &runningRun{info: info, cancel: cancel, done: make(chan struct{})}
	s.active = run

	s.publish(progress.NewSnapshot(info.ID, s.surface, 0, progress.NewRunState()))

	logger := s.logger.With(zap.String("run_id", info.ID.String()))
	logger.Info("Run submitted",
		zap.String("trigger", trigger),
		zap.Int64("instrument_token", req.InstrumentToken),
		zap.String("interval", req.Interval),
		zap.Int("models", len(req.Models)),
	)
	for _, o := range s.observers {
		o.OnRunStarted(context.WithoutCancel(runCtx), info)
	}

	w := &runWorker{session: s, run: run, logger: logger}
	go w.Run(runCtx)

	return info.ID, nil
}

// Cancel stops the run in flight and resets the surface to Idle.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return domain.ErrRunNotActive
	}
	if err := s.stopActive(ctx); err != nil {
		return err
	}
	s.publish(progress.NewSnapshot(uuid.Nil, s.surface, 0, progress.NewRunState()))
	return nil
}

// stopActive cancels the active run and waits until its driver has returned.
// Callers hold s.mu.
func (s *Session) stopActive(ctx context.Context) error {
	run := s.active
	if run == nil {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for run %s to stop: %w", run.info.ID, ctx.Err())
	}
	s.active = nil
	return nil
}

// Current returns the latest snapshot.
func (s *Session) Current() progress.Snapshot {
	return *s.current.Load()
}

// Active returns the run in flight, if any.
func (s *Session) Active() (RunInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return RunInfo{}, false
	}
	return s.active.info, true
}

// Wait blocks until the run in flight, if any, has finished and returns
// the latest snapshot.
func (s *Session) Wait(ctx context.Context) (progress.Snapshot, error) {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()

	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return s.Current(), ctx.Err()
		}
	}
	return s.Current(), nil
}

// Subscribe returns a channel carrying the latest snapshot. Slow readers
// skip intermediate snapshots but always see the newest one. The current
// snapshot is delivered immediately. Call the returned function to stop.
func (s *Session) Subscribe() (<-chan progress.Snapshot, func()) {
	ch := make(chan progress.Snapshot, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.Current()
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// publish replaces the current snapshot and fans it out.
func (s *Session) publish(snap progress.Snapshot) {
	s.subsMu.Lock()
	s.current.Store(&snap)
	for _, ch := range s.subs {
		offerLatest(ch, snap)
	}
	s.subsMu.Unlock()

	for _, o := range s.observers {
		o.OnSnapshot(snap)
	}
}

// runFinished clears the active run once its worker is done.
func (s *Session) runFinished(run *runningRun) {
	s.mu.Lock()
	if s.active == run {
		s.active = nil
	}
	s.mu.Unlock()
}

// offerLatest sends snap, replacing an unread older value.
func offerLatest(ch chan progress.Snapshot, snap progress.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
