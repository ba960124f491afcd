package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/domain"
)

// TriggerSchedule marks runs started by the cron scheduler.
const TriggerSchedule = "schedule"

// Submitter starts a run on a surface unless one is already in flight.
type Submitter interface {
	SubmitIfIdle(ctx context.Context, surface string, req domain.TrainingRequest, trigger string) (uuid.UUID, error)
}

// CronScheduler submits configured training requests on cron schedules.
// A schedule that comes due while its surface is busy is skipped, not queued.
type CronScheduler struct {
	submitter Submitter
	logger    *zap.Logger

	cronParser   cron.Parser
	schedules    map[string]*scheduledTask
	mu           sync.RWMutex
	pollInterval time.Duration
	now          func() time.Time

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// scheduledTask tracks one configured schedule.
type scheduledTask struct {
	Schedule  config.ScheduleConfig
	CronSpec  cron.Schedule
	NextRun   time.Time
	LastRun   *time.Time
	LastRunID uuid.UUID
	Skipped   int
}

// ScheduleStatus is a read-only view of a schedule.
type ScheduleStatus struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	Surface   string     `json:"surface"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastRunID *uuid.UUID `json:"last_run_id,omitempty"`
	Skipped   int        `json:"skipped"`
}

// NewCronScheduler creates a new cron scheduler.
func NewCronScheduler(submitter Submitter, logger *zap.Logger) *CronScheduler {
	return &CronScheduler{
		submitter:    submitter,
		logger:       logger,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules:    make(map[string]*scheduledTask),
		pollInterval: 30 * time.Second,
		now:          time.Now,
	}
}

// Load replaces the schedule set. Schedules with an invalid cron expression
// are skipped and logged.
func (s *CronScheduler) Load(schedules []config.ScheduleConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make(map[string]*scheduledTask, len(schedules))
	now := s.now()

	for _, sc := range schedules {
		cronSpec, err := s.cronParser.Parse(sc.Cron)
		if err != nil {
			s.logger.Warn("Failed to parse cron expression, skipping schedule",
				zap.String("schedule_name", sc.Name),
				zap.String("cron_expression", sc.Cron),
				zap.Error(err),
			)
			continue
		}
		if sc.Surface == "" {
			sc.Surface = config.DefaultSurface
		}

		nextRun := cronSpec.Next(now)
		s.schedules[sc.Name] = &scheduledTask{
			Schedule: sc,
			CronSpec: cronSpec,
			NextRun:  nextRun,
		}

		s.logger.Debug("Loaded schedule",
			zap.String("schedule_name", sc.Name),
			zap.String("cron_expression", sc.Cron),
			zap.String("surface", sc.Surface),
			zap.Time("next_run", nextRun),
		)
	}

	s.logger.Info("Loaded training schedules",
		zap.Int("count", len(s.schedules)),
	)
	return len(s.schedules)
}

// Start starts the ticker loop.
func (s *CronScheduler) Start() error {
	if s.cancel != nil {
		return errors.New("cron scheduler already started")
	}
	s.logger.Info("Starting cron scheduler",
		zap.Duration("poll_interval", s.pollInterval),
	)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.pollInterval)
	s.wg.Add(1)
	go s.schedulerLoop()

	return nil
}

// Stop stops the ticker loop and waits for it to exit.
func (s *CronScheduler) Stop() error {
	s.logger.Info("Stopping cron scheduler")

	if s.cancel != nil {
		s.cancel()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.wg.Wait()

	s.logger.Info("Cron scheduler stopped")
	return nil
}

// Statuses returns every loaded schedule ordered by name.
func (s *CronScheduler) Statuses() []ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduleStatus, 0, len(s.schedules))
	for _, task := range s.schedules {
		st := ScheduleStatus{
			Name:    task.Schedule.Name,
			Cron:    task.Schedule.Cron,
			Surface: task.Schedule.Surface,
			NextRun: task.NextRun,
			LastRun: task.LastRun,
			Skipped: task.Skipped,
		}
		if task.LastRunID != uuid.Nil {
			id := task.LastRunID
			st.LastRunID = &id
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *CronScheduler) schedulerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.checkSchedules(s.ctx)
		}
	}
}

// checkSchedules submits every due schedule and advances its next run time.
func (s *CronScheduler) checkSchedules(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*scheduledTask
	for _, task := range s.schedules {
		if !task.NextRun.After(now) {
			due = append(due, task)
			task.NextRun = task.CronSpec.Next(now)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Schedule.Name < due[j].Schedule.Name })
	for _, task := range due {
		s.executeSchedule(ctx, task, now)
	}
}

func (s *CronScheduler) executeSchedule(ctx context.Context, task *scheduledTask, now time.Time) {
	sc := task.Schedule

	runID, err := s.submitter.SubmitIfIdle(ctx, sc.Surface, sc.Request, TriggerSchedule)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrRunActive):
		task.Skipped++
		s.logger.Info("Surface busy, skipping scheduled run",
			zap.String("schedule_name", sc.Name),
			zap.String("surface", sc.Surface),
			zap.Time("next_run", task.NextRun),
		)
	case err != nil:
		s.logger.Error("Failed to submit scheduled run",
			zap.String("schedule_name", sc.Name),
			zap.String("surface", sc.Surface),
			zap.Error(err),
		)
	default:
		task.LastRun = &now
		task.LastRunID = runID
		s.logger.Info("Scheduled run triggered",
			zap.String("run_id", runID.String()),
			zap.String("schedule_name", sc.Name),
			zap.String("surface", sc.Surface),
			zap.Time("next_run", task.NextRun),
		)
	}
}

// calculateNextRun calculates the next run time for a cron expression.
func (s *CronScheduler) calculateNextRun(cronExpr string) (time.Time, error) {
	cronSpec, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression: %w", err)
	}

	return cronSpec.Next(s.now()), nil
}
