package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/events"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rpcNode answers JSON-RPC calls from a per-method table.
type rpcNode struct {
	mu      sync.Mutex
	results map[string]string
	errors  map[string]int
	calls   []rpcCall
}

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newRPCNode() *rpcNode {
	return &rpcNode{results: map[string]string{}, errors: map[string]int{}}
}

func (n *rpcNode) set(method, result string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results[method] = result
}

func (n *rpcNode) fail(method string, code int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors[method] = code
}

func (n *rpcNode) callsTo(method string) []rpcCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []rpcCall
	for _, c := range n.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (n *rpcNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var call rpcCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls = append(n.calls, call)
	code, failed := n.errors[call.Method]
	result, ok := n.results[call.Method]
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case failed:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":` + strconv.Itoa(code) + `,"message":"failed"}}`))
	case ok:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	default:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	}
}

func (n *rpcNode) start(t *testing.T) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return splitAddr(t, srv.Listener.Addr().String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testConfig(t *testing.T, mode config.Mode, host string, port int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.BinDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.Mode = mode
	cfg.RPCBindIP = host
	cfg.RPCBindPort = port
	cfg.RemoteHost = host
	cfg.RemotePort = port
	cfg.ReadyPollInterval = 10 * time.Millisecond
	cfg.FastInterval = time.Hour
	cfg.FastIntervalRemote = time.Hour
	cfg.SlowInterval = time.Hour
	cfg.ShutdownGrace = time.Second
	return cfg
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type fakeProcess struct {
	mu       sync.Mutex
	args     []string
	startErr error
	started  int
	stopped  int
	done     chan struct{}
	exitErr  error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Start(args []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.args = args
	p.started++
	return nil
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *fakeProcess) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Uptime() time.Duration { return time.Minute }

type fakeHeartbeat struct {
	mu       sync.Mutex
	starts   int
	stops    int
	triggers int
	running  bool
}

func (h *fakeHeartbeat) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	h.running = true
	return nil
}

func (h *fakeHeartbeat) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.running = false
	return nil
}

func (h *fakeHeartbeat) TriggerSlow() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggers++
	return nil
}

func (h *fakeHeartbeat) snapshot() (starts, stops, triggers int, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops, h.triggers, h.running
}

type fakeSubscriber struct {
	mu        sync.Mutex
	out       chan types.Info
	err       error
	requests  []string
	closed    int
	subscribe int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{out: make(chan types.Info, 4)}
}

func (s *fakeSubscriber) Subscribe(context.Context) (*events.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.subscribe++
	return &events.Subscription{Out: s.out, Close: func() { _ = s.Close() }}, nil
}

func (s *fakeSubscriber) Request(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, method)
	return nil
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == 0 && s.subscribe > 0 {
		close(s.out)
	}
	s.closed++
	return nil
}

type published struct {
	topic   string
	payload interface{}
}

type recordingGateway struct {
	mu    sync.Mutex
	items []published
}

func (g *recordingGateway) Publish(topic string, payload interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, published{topic: topic, payload: payload})
}

func (g *recordingGateway) byTopic(topic string) []interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []interface{}
	for _, p := range g.items {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

type staticSource struct {
	height int64
	err    error
}

func (s staticSource) FetchHeight(context.Context) (int64, error) {
	return s.height, s.err
}

var errBoom = errors.New("boom")

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func netListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
