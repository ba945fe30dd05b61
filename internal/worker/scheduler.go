package worker

import (
	"context"
	"fmt"
	"time"

	"surplus-service/internal/service"
	"surplus-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SeriesExpander regenerates menus for every active recurring series
type SeriesExpander interface {
	ExpandAll(ctx context.Context, runDate time.Time) ([]*service.ExpandResult, error)
}

// CreditRoller moves subscriptions into the current period
type CreditRoller interface {
	RolloverAll(ctx context.Context) (int, error)
}

// ScheduleConfig holds cron expressions (minute hour dom month dow)
type ScheduleConfig struct {
	Expansion string
	Rollover  string
	Location  *time.Location
}

// Scheduler runs the periodic maintenance jobs. Overlapping runs of the same job
// are skipped.
type Scheduler struct {
	cron     *cron.Cron
	expander SeriesExpander
	roller   CreditRoller
	now      func() time.Time
	logger   *zap.Logger
}

// NewScheduler registers the expansion and rollover jobs. An empty expression
// disables that job.
func NewScheduler(cfg ScheduleConfig, expander SeriesExpander, roller CreditRoller) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := util.GetLogger()
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		expander: expander,
		roller:   roller,
		now:      time.Now,
		logger:   logger,
	}

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"expand_series", cfg.Expansion, func() { s.RunExpansion(context.Background()) }},
		{"rollover_credits", cfg.Rollover, func() { s.RunRollover(context.Background()) }},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, j.run); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", j.schedule, j.name, err)
		}
		s.logger.Info("Scheduled job", zap.String("job", j.name), zap.String("schedule", j.schedule))
	}
	return s, nil
}

// Start starts the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs or ctx, whichever ends first
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running")
	}
}

// RunExpansion expands every active series for today
func (s *Scheduler) RunExpansion(ctx context.Context) {
	results, err := s.expander.ExpandAll(ctx, s.now())
	if err != nil {
		util.JobRunsTotal.WithLabelValues("expand_series", "error").Inc()
		s.logger.Error("Series expansion failed", zap.Error(err))
		return
	}

	created, failed := 0, 0
	for _, r := range results {
		created += len(r.Created)
		failed += len(r.Failed)
	}
	outcome := "success"
	if failed > 0 {
		outcome = "partial"
	}
	util.JobRunsTotal.WithLabelValues("expand_series", outcome).Inc()
	s.logger.Info("Series expansion finished",
		zap.Int("series", len(results)),
		zap.Int("created", created),
		zap.Int("failed", failed))
}

// RunRollover rolls every subscription into the current period
func (s *Scheduler) RunRollover(ctx context.Context) {
	n, err := s.roller.RolloverAll(ctx)
	if err != nil {
		util.JobRunsTotal.WithLabelValues("rollover_credits", "error").Inc()
		s.logger.Error("Credit rollover failed", zap.Error(err))
		return
	}
	util.JobRunsTotal.WithLabelValues("rollover_credits", "success").Inc()
	s.logger.Info("Credit rollover finished", zap.Int("rolled", n))
}

// cronLogger routes the cron chain's messages into zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info("cron: "+msg, cronFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
