package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// HealthChecker answers whether the API is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Prober turns health checks into monitor signals.
type Prober struct {
	checker HealthChecker
	monitor *Monitor
	timeout time.Duration
	log     *zap.Logger
}

// NewProber returns a prober that bounds each check by timeout.
func NewProber(checker HealthChecker, monitor *Monitor, timeout time.Duration, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{checker: checker, monitor: monitor, timeout: timeout, log: log}
}

// Probe runs one health check, feeds the result to the monitor and
// returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := p.checker.Health(ctx)
	if err != nil {
		p.log.Debug("health check failed", zap.Error(err))
	}
	p.monitor.Set(err == nil)
	return err == nil
}

// Scheduler runs periodic connectivity and retry jobs.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewScheduler returns a stopped scheduler. Runs of the same job never
// overlap.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}
}

// Every registers job to run every interval.
func (s *Scheduler) Every(interval time.Duration, job func()) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return s.cron.AddFunc("@every "+interval.String(), job)
}

// ScheduleProbe runs p every interval.
func (s *Scheduler) ScheduleProbe(ctx context.Context, p *Prober, interval time.Duration) (cron.EntryID, error) {
	return s.Every(interval, func() { p.Probe(ctx) })
}

// ScheduleDrain triggers a drain every interval while m reports online,
// so entries deferred by backoff are retried without a new transition.
func (s *Scheduler) ScheduleDrain(m *Monitor, t Triggerer, interval time.Duration) (cron.EntryID, error) {
	return s.Every(interval, func() {
		if m.Online() {
			t.Trigger()
		}
	})
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
