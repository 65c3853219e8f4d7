// Package daemon supervises an arqmad node: it spawns or probes it, keeps a
// live status snapshot, and serves on-demand operations through a single
// serialized RPC client.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/events"
	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/internal/heartbeat"
	"github.com/arqma/arqmavisor/internal/height"
	"github.com/arqma/arqmavisor/internal/process"
	"github.com/arqma/arqmavisor/internal/rpc"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned by Start while starting or ready.
	ErrAlreadyStarted = errors.New("daemon already started")
	// ErrNotReady is returned by operations that need a ready daemon.
	ErrNotReady = errors.New("daemon not ready")
	// ErrRemoteUnavailable is returned when the remote node does not answer get_info.
	ErrRemoteUnavailable = errors.New("remote daemon unavailable")
	// ErrBinaryNotFound is returned when the node binary is missing.
	ErrBinaryNotFound = process.ErrBinaryNotFound
	// ErrProcessExited is returned when the node dies before it is ready.
	ErrProcessExited = errors.New("daemon exited during startup")
	// ErrStopped is returned by Start when Quit interrupted it.
	ErrStopped = errors.New("daemon stopped during startup")
)

const methodGetInfo = "get_info"

// Process is the spawned node as seen by the supervisor.
type Process interface {
	Start(args []string) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	ExitErr() error
	Pid() int
	Uptime() time.Duration
}

// Heartbeat is the periodic poller.
type Heartbeat interface {
	Start(ctx context.Context) error
	Stop() error
	TriggerSlow() error
}

// Subscriber is the push-mode event source.
type Subscriber interface {
	Subscribe(ctx context.Context) (*events.Subscription, error)
	Request(method string) error
	Close() error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGateway sets where snapshots and notifications are published.
func WithGateway(g gateway.Gateway) Option {
	return func(s *Supervisor) { s.gateway = g }
}

// WithProcess replaces the process manager.
func WithProcess(p Process) Option {
	return func(s *Supervisor) { s.process = p }
}

// WithHeartbeat replaces the heartbeat scheduler.
func WithHeartbeat(h Heartbeat) Option {
	return func(s *Supervisor) { s.heartbeat = h }
}

// WithSubscriber replaces the push subscriber.
func WithSubscriber(sub Subscriber) Option {
	return func(s *Supervisor) { s.subscriber = sub }
}

// WithRemoteSource replaces the network info source used for the
// reference height.
func WithRemoteSource(src height.Source) Option {
	return func(s *Supervisor) { s.remoteSource = src }
}

// WithRPCObserver attaches an observer to the RPC client.
func WithRPCObserver(o rpc.Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor manages one node for the lifetime of its configuration.
type Supervisor struct {
	cfg    *config.Config
	logger *logger.Logger

	rpc          *rpc.Client
	observer     rpc.Observer
	gateway      gateway.Gateway
	process      Process
	heartbeat    Heartbeat
	subscriber   Subscriber
	remoteSource height.Source
	remote       *height.RemoteTracker
	estimator    *height.Estimator
	now          func() time.Time

	snapshot snapshotStore

	mu        sync.Mutex
	state     State
	startTime time.Time
	lastErr   error
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a supervisor for cfg. Nothing is started.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: log.Named("supervisor"),
		now:    time.Now,
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}

	var rpcOpts []rpc.Option
	if s.observer != nil {
		rpcOpts = append(rpcOpts, rpc.WithObserver(s.observer))
	}
	s.rpc = rpc.NewClient(cfg.RPCEndpoint(), log.Named("rpc"), rpcOpts...)

	if s.gateway == nil {
		s.gateway = gateway.NewLogGateway(log)
	}
	if s.remoteSource == nil {
		s.remoteSource = height.NewNetworkInfoSource(cfg.RemoteHeightSource(), nil)
	}
	s.remote = height.NewRemoteTracker(s.remoteSource, log)
	s.estimator = height.NewEstimator(s.rpc, cfg.TooBigHeightCode, log)

	if cfg.Mode.IsLocal() && s.process == nil {
		s.process = process.NewManager(cfg.DaemonBinary(), cfg.ShutdownGrace, log)
	}
	if !cfg.Mode.IsLocal() {
		s.process = nil
	}
	if cfg.Mode.IsPush() && s.subscriber == nil {
		s.subscriber = events.NewSubscriber(cfg.ZMQEndpoint(), s.remote.Height, log)
	}
	if s.heartbeat == nil {
		s.heartbeat = heartbeat.New(s.rpc, s.applyPolled, heartbeat.Config{
			Local:        cfg.Mode.IsLocal(),
			FastInterval: s.fastInterval(),
			SlowInterval: cfg.SlowInterval,
		}, log)
	}

	return s
}

func (s *Supervisor) fastInterval() time.Duration {
	if s.cfg.Mode.IsLocal() {
		return s.cfg.FastInterval
	}
	return s.cfg.FastIntervalRemote
}

// Start spawns the node (local modes) or probes it (remote mode) and, once
// it is ready, starts polling. In push mode readiness is immediate.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateReady || s.state == StateStopping {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.state = StateStarting
	s.lastErr = nil
	s.runCancel = cancel
	s.mu.Unlock()

	s.snapshot.reset()
	s.logger.Info("starting daemon supervisor",
		zap.String("mode", string(s.cfg.Mode)),
		zap.String("endpoint", s.rpc.Endpoint()),
		zap.Bool("testnet", s.cfg.Testnet))

	var err error
	if s.cfg.Mode.IsLocal() {
		err = s.startLocal(ctx, runCtx)
	} else {
		err = s.startRemote(ctx)
	}

	if err == nil && runCtx.Err() != nil {
		err = ErrStopped
	}
	if err == nil {
		if hbErr := s.heartbeat.Start(runCtx); hbErr != nil {
			err = hbErr
			s.teardown(context.Background())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStarting {
		// Quit ran while we were starting
		if err == nil {
			_ = s.heartbeat.Stop()
			err = ErrStopped
		}
		return err
	}
	if err != nil {
		cancel()
		s.state = StateFailed
		s.lastErr = err
		s.logger.Error("daemon failed to start", zap.Error(err))
		return err
	}

	s.state = StateReady
	s.startTime = s.now()
	s.logger.Info("daemon ready")
	return nil
}

func (s *Supervisor) startRemote(ctx context.Context) error {
	resp := s.rpc.Call(ctx, methodGetInfo, nil)
	if resp.Error != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, resp.Error)
	}
	return nil
}

func (s *Supervisor) startLocal(ctx, runCtx context.Context) error {
	if err := s.process.Start(process.BuildArgs(s.cfg)); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	var err error
	if s.cfg.Mode.IsPush() {
		err = s.startPush(runCtx)
	} else {
		err = s.waitReady(ctx, runCtx)
	}
	if err != nil {
		s.stopProcess(context.Background())
		return err
	}
	return nil
}

// waitReady polls get_info until the node answers without an error. A
// refused connection means the node is still booting.
func (s *Supervisor) waitReady(ctx, runCtx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runCtx.Done():
			return ErrStopped
		case <-s.process.Done():
			return fmt.Errorf("%w: %v", ErrProcessExited, s.process.ExitErr())
		case <-ticker.C:
			resp := s.rpc.Call(ctx, methodGetInfo, nil)
			if resp.Error == nil {
				if resp.OK() {
					s.apply(heartbeat.Merge([]rpc.Response{resp}))
				}
				return nil
			}
			if resp.Error.ConnectionRefused() {
				s.logger.Debug("daemon not accepting rpc yet")
				continue
			}
			return fmt.Errorf("daemon readiness check failed: %w", resp.Error)
		}
	}
}

func (s *Supervisor) startPush(runCtx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.remote.Run(runCtx, s.cfg.RemoteHeightInterval)
	}()

	sub, err := s.subscriber.Subscribe(runCtx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to daemon events: %w", err)
	}

	s.wg.Add(1)
	go s.consume(sub)

	if err := s.subscriber.Request(methodGetInfo); err != nil {
		s.logger.Warn("failed to request initial info", zap.Error(err))
	}
	return nil
}

func (s *Supervisor) consume(sub *events.Subscription) {
	defer s.wg.Done()
	for info := range sub.Out {
		info := info
		s.apply(types.DaemonData{Info: &info})
	}
}

// applyPolled applies a heartbeat partial. In push mode the synced flag of
// polled info is derived the same way as for pushed info, so both sources
// agree.
func (s *Supervisor) applyPolled(partial types.DaemonData) {
	if partial.Info != nil && s.cfg.Mode.IsPush() {
		info := *partial.Info
		info.IsDaemonSyncd = events.Synced(info, s.remote.Height())
		partial.Info = &info
	}
	s.apply(partial)
}

// apply merges a partial snapshot into the store and publishes the partial.
func (s *Supervisor) apply(partial types.DaemonData) {
	s.snapshot.apply(partial)
	s.gateway.Publish(gateway.TopicDaemonData, partial)
}

// Quit stops polling, closes the push socket, discards queued calls and
// stops the owned process. It returns once the process has exited, or
// immediately when nothing is owned.
func (s *Supervisor) Quit(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.logger.Info("stopping daemon supervisor")
	err := s.teardown(ctx)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("daemon supervisor stopped")
	return err
}

func (s *Supervisor) teardown(ctx context.Context) error {
	if err := s.heartbeat.Stop(); err != nil {
		s.logger.Warn("failed to stop heartbeat", zap.Error(err))
	}

	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			s.logger.Warn("failed to close push subscription", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}

	if n := s.rpc.Clear(); n > 0 {
		s.logger.Debug("discarded queued rpc calls", zap.Int("count", n))
	}

	err := s.stopProcess(ctx)
	s.wg.Wait()
	return err
}

func (s *Supervisor) stopProcess(ctx context.Context) error {
	if s.process == nil {
		return nil
	}
	if err := s.process.Stop(ctx); err != nil {
		s.logger.Error("failed to stop daemon", zap.Error(err))
		return err
	}
	return nil
}

// Close releases the RPC client. The supervisor cannot be started again.
func (s *Supervisor) Close() {
	s.rpc.Close()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest merged daemon data.
func (s *Supervisor) Snapshot() types.DaemonData {
	return s.snapshot.get()
}

// RemoteHeight returns the tracked reference height, 0 when unknown.
func (s *Supervisor) RemoteHeight() int64 {
	return s.remote.Height()
}

// Status returns a summary of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:        s.state,
		StateString:  s.state.String(),
		Mode:         s.cfg.Mode,
		Testnet:      s.cfg.Testnet,
		Endpoint:     s.rpc.Endpoint(),
		StartTime:    s.startTime,
		RemoteHeight: s.remote.Height(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if s.process != nil {
		st.PID = s.process.Pid()
		st.Uptime = s.process.Uptime()
	} else if st.State == StateReady {
		st.Uptime = s.now().Sub(st.StartTime)
	}
	return st
}

// Pid returns the pid of the owned node, 0 when none is running.
func (s *Supervisor) Pid() int {
	if s.process == nil {
		return 0
	}
	return s.process.Pid()
}

// RPC returns the serialized client, for callers that need raw access.
func (s *Supervisor) RPC() *rpc.Client {
	return s.rpc
}

// Ready returns ErrNotReady unless Start has completed.
func (s *Supervisor) Ready() error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	return nil
}

// Exited is closed when the owned node process exits. It never closes in
// remote mode.
func (s *Supervisor) Exited() <-chan struct{} {
	if s.process == nil {
		return nil
	}
	return s.process.Done()
}
