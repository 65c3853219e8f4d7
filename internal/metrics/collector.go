package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	psprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// DefaultInterval is the process sampling period used when none is given.
const DefaultInterval = 15 * time.Second

// Collector records everything the supervisor publishes. It is a
// gateway.Gateway for snapshots and notifications and an rpc.Observer for
// call timings.
type Collector struct {
	logger   *logger.Logger
	registry *prometheus.Registry

	height        prometheus.Gauge
	targetHeight  prometheus.Gauge
	remoteHeight  prometheus.Gauge
	synced        prometheus.Gauge
	peers         *prometheus.GaugeVec
	connections   prometheus.Gauge
	bans          prometheus.Gauge
	txPoolSize    prometheus.Gauge
	rpcCalls      *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	processCPU    prometheus.Gauge
	processRSS    prometheus.Gauge
	processUptime prometheus.Gauge

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewCollector creates a collector with its own registry.
func NewCollector(log *logger.Logger) *Collector {
	c := &Collector{
		logger:   log.Named("metrics"),
		registry: prometheus.NewRegistry(),

		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "height",
			Help: "Current block height reported by the node",
		}),
		targetHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "target_height",
			Help: "Target block height reported by the node",
		}),
		remoteHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "remote_height",
			Help: "Reference chain height from the network info service",
		}),
		synced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "synced",
			Help: "Whether the node is synced (1=synced, 0=syncing)",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "peers",
			Help: "Peer connections by direction",
		}, []string{"direction"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "connections",
			Help: "Entries returned by the last get_connections call",
		}),
		bans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "bans",
			Help: "Active peer bans",
		}),
		txPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daemon", Name: "tx_pool_size",
			Help: "Transactions in the node's pool",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "calls_total",
			Help: "JSON-RPC calls served, by method and result code",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "call_duration_seconds",
			Help:    "JSON-RPC call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications published to the front-end, by type",
		}, []string{"type"}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage of the node process",
		}),
		processRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "resident_memory_bytes",
			Help: "Resident memory of the node process",
		}),
		processUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since the node process started",
		}),
	}

	c.registry.MustRegister(
		c.height, c.targetHeight, c.remoteHeight, c.synced, c.peers,
		c.connections, c.bans, c.txPoolSize,
		c.rpcCalls, c.rpcDuration, c.notifications,
		c.processCPU, c.processRSS, c.processUptime,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Publish implements gateway.Gateway.
func (c *Collector) Publish(topic string, payload interface{}) {
	switch topic {
	case gateway.TopicDaemonData:
		if data, ok := payload.(types.DaemonData); ok {
			c.recordDaemonData(data)
		}
	case gateway.TopicNotification:
		if note, ok := payload.(types.Notification); ok {
			kind := note.Type
			if kind == "" {
				kind = "positive"
			}
			c.notifications.WithLabelValues(kind).Inc()
		}
	}
}

func (c *Collector) recordDaemonData(data types.DaemonData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info := data.Info; info != nil {
		synced := isSynced(*info)
		c.height.Set(float64(info.Height))
		c.targetHeight.Set(float64(info.TargetHeight))
		c.synced.Set(boolToFloat(synced))
		c.peers.WithLabelValues("outgoing").Set(float64(info.OutgoingConnectionsCount))
		c.peers.WithLabelValues("incoming").Set(float64(info.IncomingConnectionsCount))
		c.txPoolSize.Set(float64(info.TxPoolSize))

		c.snapshot.Height = info.Height
		c.snapshot.TargetHeight = info.TargetHeight
		c.snapshot.Synced = synced
		c.snapshot.OutgoingPeers = info.OutgoingConnectionsCount
		c.snapshot.IncomingPeers = info.IncomingConnectionsCount
		c.snapshot.TxPoolSize = info.TxPoolSize
	}
	if data.Connections != nil {
		c.connections.Set(float64(len(data.Connections)))
		c.snapshot.Connections = len(data.Connections)
	}
	if data.Bans != nil {
		c.bans.Set(float64(len(data.Bans)))
		c.snapshot.Bans = len(data.Bans)
	}
	c.snapshot.Timestamp = time.Now()
}

// isSynced uses the push-mode flag when set. Otherwise a node is synced
// once it reaches its target; a target of 0 means it has none left.
func isSynced(info types.Info) bool {
	if info.IsDaemonSyncd {
		return true
	}
	return info.TargetHeight == 0 || info.Height >= info.TargetHeight
}

// ObserveCall implements rpc.Observer.
func (c *Collector) ObserveCall(method string, elapsed time.Duration, code int) {
	c.rpcCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())

	c.mu.Lock()
	c.snapshot.RPCCalls++
	if code != 0 {
		c.snapshot.RPCFailures++
	}
	c.mu.Unlock()
}

// SetRemoteHeight records the reference chain height.
func (c *Collector) SetRemoteHeight(height int64) {
	c.remoteHeight.Set(float64(height))
}

// SampleProcess records CPU, memory and uptime of pid. A pid of 0 clears
// the process gauges.
func (c *Collector) SampleProcess(ctx context.Context, pid int) error {
	if pid <= 0 {
		c.resetProcess()
		return nil
	}

	proc, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		c.resetProcess()
		return err
	}

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return err
	}
	uptime := time.Since(time.UnixMilli(created))

	c.processCPU.Set(cpu)
	c.processRSS.Set(float64(mem.RSS))
	c.processUptime.Set(uptime.Seconds())

	c.mu.Lock()
	c.snapshot.ProcessPID = pid
	c.snapshot.CPUPercent = cpu
	c.snapshot.RSSBytes = mem.RSS
	c.mu.Unlock()
	return nil
}

func (c *Collector) resetProcess() {
	c.processCPU.Set(0)
	c.processRSS.Set(0)
	c.processUptime.Set(0)

	c.mu.Lock()
	c.snapshot.ProcessPID = 0
	c.snapshot.CPUPercent = 0
	c.snapshot.RSSBytes = 0
	c.mu.Unlock()
}

// Run samples pid() every interval until ctx is done. remoteHeight, when
// set, is recorded on every tick.
func (c *Collector) Run(ctx context.Context, interval time.Duration, pid func() int, remoteHeight func() int64) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.logger.Info("starting metrics collection", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.tick(ctx, pid, remoteHeight)
		select {
		case <-ctx.Done():
			c.logger.Info("stopping metrics collection")
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) tick(ctx context.Context, pid func() int, remoteHeight func() int64) {
	if remoteHeight != nil {
		c.SetRemoteHeight(remoteHeight())
	}
	if pid == nil {
		return
	}
	if err := c.SampleProcess(ctx, pid()); err != nil {
		c.logger.Debug("failed to sample daemon process", zap.Error(err))
	}
}

// Snapshot returns the values most recently recorded.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
