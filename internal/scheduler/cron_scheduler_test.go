package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/domain"
)

// mockSubmitter records scheduled submissions.
type mockSubmitter struct {
	mu        sync.Mutex
	calls     []submitCall
	err       error
	busy      map[string]bool
	lastRunID uuid.UUID
}

type submitCall struct {
	Surface string
	Request domain.TrainingRequest
	Trigger string
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{busy: make(map[string]bool)}
}

func (m *mockSubmitter) SubmitIfIdle(ctx context.Context, surface string, req domain.TrainingRequest, trigger string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, submitCall{Surface: surface, Request: req, Trigger: trigger})
	if m.err != nil {
		return uuid.Nil, m.err
	}
	if m.busy[surface] {
		return uuid.Nil, domain.ErrRunActive
	}
	m.lastRunID = uuid.New()
	return m.lastRunID, nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testSchedule(name, cronExpr, surface string) config.ScheduleConfig {
	return config.ScheduleConfig{
		Name:    name,
		Cron:    cronExpr,
		Surface: surface,
		Request: domain.TrainingRequest{
			InstrumentToken: 256265,
			Interval:        "5minute",
			Models:          []domain.ModelID{"random_forest"},
		},
	}
}

// fixedClock returns a clock that can be moved forward by tests.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func TestNewCronScheduler(t *testing.T) {
	logger := zaptest.NewLogger(t)
	scheduler := NewCronScheduler(newMockSubmitter(), logger)

	require.NotNil(t, scheduler)
	assert.NotNil(t, scheduler.schedules)
	assert.Equal(t, 30*time.Second, scheduler.pollInterval)
	assert.Empty(t, scheduler.Statuses())
}

func TestCronScheduler_Load(t *testing.T) {
	logger := zaptest.NewLogger(t)
	scheduler := NewCronScheduler(newMockSubmitter(), logger)

	loaded := scheduler.Load([]config.ScheduleConfig{
		testSchedule("nightly", "0 2 * * *", "default"),
		testSchedule("broken", "not a cron", "default"),
		testSchedule("hourly", "@hourly", ""),
	})

	assert.Equal(t, 2, loaded)

	statuses := scheduler.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "hourly", statuses[0].Name)
	assert.Equal(t, config.DefaultSurface, statuses[0].Surface, "empty surface falls back to default")
	assert.Equal(t, "nightly", statuses[1].Name)
	assert.False(t, statuses[1].NextRun.IsZero())
	assert.Nil(t, statuses[1].LastRun)
	assert.Nil(t, statuses[1].LastRunID)
}

func TestCronScheduler_CheckSchedules_SubmitsDue(t *testing.T) {
	logger := zaptest.NewLogger(t)
	submitter := newMockSubmitter()
	scheduler := NewCronScheduler(submitter, logger)

	now, advance := fixedClock(time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC))
	scheduler.now = now
	scheduler.Load([]config.ScheduleConfig{
		testSchedule("every-minute", "* * * * *", "default"),
		testSchedule("nightly", "0 2 * * *", "default"),
	})

	// Not yet due.
	scheduler.checkSchedules(context.Background())
	assert.Equal(t, 0, submitter.callCount())

	advance(time.Minute)
	scheduler.checkSchedules(context.Background())

	require.Equal(t, 1, submitter.callCount())
	call := submitter.calls[0]
	assert.Equal(t, "default", call.Surface)
	assert.Equal(t, TriggerSchedule, call.Trigger)
	assert.Equal(t, int64(256265), call.Request.InstrumentToken)

	statuses := scheduler.Statuses()
	require.Len(t, statuses, 2)
	everyMinute := statuses[0]
	assert.Equal(t, "every-minute", everyMinute.Name)
	require.NotNil(t, everyMinute.LastRun)
	assert.Equal(t, now(), *everyMinute.LastRun)
	require.NotNil(t, everyMinute.LastRunID)
	assert.Equal(t, submitter.lastRunID, *everyMinute.LastRunID)
	assert.True(t, everyMinute.NextRun.After(now()), "next run advances past now")

	// Same instant again: nothing is due anymore.
	scheduler.checkSchedules(context.Background())
	assert.Equal(t, 1, submitter.callCount())
}

func TestCronScheduler_CheckSchedules_SkipsBusySurface(t *testing.T) {
	logger := zaptest.NewLogger(t)
	submitter := newMockSubmitter()
	submitter.busy["default"] = true
	scheduler := NewCronScheduler(submitter, logger)

	now, advance := fixedClock(time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC))
	scheduler.now = now
	scheduler.Load([]config.ScheduleConfig{testSchedule("every-minute", "* * * * *", "default")})

	advance(time.Minute)
	scheduler.checkSchedules(context.Background())

	assert.Equal(t, 1, submitter.callCount())
	statuses := scheduler.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Skipped)
	assert.Nil(t, statuses[0].LastRun)

	// The skipped run is not queued: the next check at the same instant submits nothing.
	submitter.busy["default"] = false
	scheduler.checkSchedules(context.Background())
	assert.Equal(t, 1, submitter.callCount())
}

func TestCronScheduler_CheckSchedules_SubmitError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	submitter := newMockSubmitter()
	submitter.err = errors.New("unknown surface")
	scheduler := NewCronScheduler(submitter, logger)

	now, advance := fixedClock(time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC))
	scheduler.now = now
	scheduler.Load([]config.ScheduleConfig{testSchedule("every-minute", "* * * * *", "missing")})

	advance(time.Minute)
	scheduler.checkSchedules(context.Background())

	statuses := scheduler.Statuses()
	require.Len(t, statuses, 1)
	assert.Nil(t, statuses[0].LastRun)
	assert.Zero(t, statuses[0].Skipped)
}

func TestCronScheduler_CalculateNextRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	scheduler := NewCronScheduler(newMockSubmitter(), logger)
	base := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return base }

	tests := []struct {
		name     string
		cronExpr string
		want     time.Time
		wantErr  bool
	}{
		{
			name:     "every hour",
			cronExpr: "0 * * * *",
			want:     time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily at 2 AM",
			cronExpr: "0 2 * * *",
			want:     time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC),
		},
		{
			name:     "every 5 minutes",
			cronExpr: "*/5 * * * *",
			want:     time.Date(2024, 1, 2, 9, 20, 0, 0, time.UTC),
		},
		{
			name:     "descriptor",
			cronExpr: "@daily",
			want:     time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "invalid expression",
			cronExpr: "invalid",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextRun, err := scheduler.calculateNextRun(tt.cronExpr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, nextRun)
		})
	}
}

func TestCronScheduler_StartStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	scheduler := NewCronScheduler(newMockSubmitter(), logger)
	scheduler.pollInterval = 10 * time.Millisecond

	require.NoError(t, scheduler.Start())
	assert.Error(t, scheduler.Start(), "second start is rejected")

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, scheduler.Stop())

	select {
	case <-scheduler.ctx.Done():
	default:
		t.Error("scheduler context should be cancelled after Stop")
	}
}
