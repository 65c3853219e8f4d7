// Package heartbeat polls the node on two independent schedules and
// publishes the partial snapshots they produce.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/internal/rpc"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by TriggerSlow when no slow job is scheduled.
var ErrNotRunning = errors.New("heartbeat slow job not scheduled")

// Caller submits a call to the node.
type Caller interface {
	Go(ctx context.Context, method string, params interface{}) <-chan rpc.Response
}

// Config selects the method sets and intervals.
type Config struct {
	// Local is true when the node is owned by this supervisor.
	Local        bool
	FastInterval time.Duration
	SlowInterval time.Duration
	// Backlog adds get_txpool_backlog to the local slow cycle.
	Backlog bool
}

// Scheduler runs the fast and slow cycles.
type Scheduler struct {
	caller  Caller
	publish func(types.DaemonData)
	cfg     Config
	logger  *logger.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	slowJob   gocron.Job
	cancel    context.CancelFunc
}

// New creates a scheduler. publish receives every partial snapshot.
func New(caller Caller, publish func(types.DaemonData), cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		caller:  caller,
		publish: publish,
		cfg:     cfg,
		logger:  log.Named("heartbeat"),
	}
}

// FastMethods returns the methods polled by the fast cycle.
func (s *Scheduler) FastMethods() []string {
	return []string{MethodInfo}
}

// SlowMethods returns the methods polled by the slow cycle. It is empty
// for remote nodes.
func (s *Scheduler) SlowMethods() []string {
	if !s.cfg.Local {
		return nil
	}
	methods := []string{MethodConnections, MethodBans}
	if s.cfg.Backlog {
		methods = append(methods, MethodBacklog)
	}
	return methods
}

// Start schedules both cycles, each firing immediately. A previous schedule
// is shut down first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdownLocked()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create heartbeat scheduler: %w", err)
	}

	jctx, cancel := context.WithCancel(ctx)
	fast := s.FastMethods()

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.FastInterval),
		gocron.NewTask(func() { s.runCycle(jctx, "fast", fast) }),
		gocron.WithName("heartbeat-fast"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule fast heartbeat: %w", err)
	}

	var slowJob gocron.Job
	if slow := s.SlowMethods(); len(slow) > 0 {
		slowJob, err = sched.NewJob(
			gocron.DurationJob(s.cfg.SlowInterval),
			gocron.NewTask(func() { s.runCycle(jctx, "slow", slow) }),
			gocron.WithName("heartbeat-slow"),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeWait),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return fmt.Errorf("failed to schedule slow heartbeat: %w", err)
		}
	}

	sched.Start()

	s.scheduler = sched
	s.slowJob = slowJob
	s.cancel = cancel

	s.logger.Info("heartbeat started",
		zap.Duration("fast", s.cfg.FastInterval),
		zap.Duration("slow", s.cfg.SlowInterval),
		zap.Strings("slow_methods", s.SlowMethods()))

	return nil
}

// TriggerSlow runs the slow cycle now, outside its schedule.
func (s *Scheduler) TriggerSlow() error {
	s.mu.Lock()
	job := s.slowJob
	s.mu.Unlock()

	if job == nil {
		return ErrNotRunning
	}
	return job.RunNow()
}

// Running reports whether the cycles are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// Stop cancels in-flight cycles and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownLocked()
}

func (s *Scheduler) shutdownLocked() error {
	if s.scheduler == nil {
		return nil
	}

	s.cancel()
	err := s.scheduler.Shutdown()

	s.scheduler = nil
	s.slowJob = nil
	s.cancel = nil

	if err != nil {
		return fmt.Errorf("failed to stop heartbeat: %w", err)
	}
	s.logger.Info("heartbeat stopped")
	return nil
}

// runCycle submits every method at once so they queue back to back, then
// publishes the merged outcomes.
func (s *Scheduler) runCycle(ctx context.Context, name string, methods []string) {
	pending := make([]<-chan rpc.Response, 0, len(methods))
	for _, m := range methods {
		pending = append(pending, s.caller.Go(ctx, m, nil))
	}

	outcomes := make([]rpc.Response, 0, len(pending))
	for _, ch := range pending {
		select {
		case r := <-ch:
			outcomes = append(outcomes, r)
		case <-ctx.Done():
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	for _, r := range outcomes {
		if r.Error != nil {
			s.logger.Debug("heartbeat call failed",
				zap.String("cycle", name),
				zap.String("method", r.Method),
				zap.Int("code", r.Error.Code),
				zap.String("message", r.Error.Message))
		}
	}

	s.publish(Merge(outcomes))
}
