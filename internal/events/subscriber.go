// Package events receives status pushed by a local node over its ZeroMQ
// endpoint.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

const (
	identityLength   = 20
	identityAlphabet = "abcdefghijklmnopqrstuvwxyz"

	// EvictMessage tells the node to forget this dealer.
	EvictMessage = "EVICT"

	defaultDialRetry = 500 * time.Millisecond
	recvBackoff      = 250 * time.Millisecond
)

var (
	// ErrSubscribed is returned by Subscribe when a subscription is active.
	ErrSubscribed = errors.New("push subscription already active")
	// ErrNotSubscribed is returned by Send without an active subscription.
	ErrNotSubscribed = errors.New("push subscription not active")
)

// Subscription delivers decoded info frames until Close is called.
type Subscription struct {
	Out   <-chan types.Info
	Close func()
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithDialRetry sets the wait between failed connection attempts.
func WithDialRetry(retry time.Duration) Option {
	return func(s *Subscriber) {
		s.dialRetry = retry
	}
}

// Subscriber owns the dealer socket connected to the node. The socket
// connects in the background: a node that has not bound its endpoint yet is
// retried until the subscription is closed, and frames sent meanwhile are
// held until the connection is up.
type Subscriber struct {
	endpoint     string
	identity     string
	remoteHeight func() int64
	logger       *logger.Logger

	dialRetry time.Duration

	mu        sync.Mutex
	socket    zmq4.Socket
	connected bool
	pending   [][]byte
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	out       chan types.Info
}

// NewSubscriber creates a subscriber for endpoint. remoteHeight supplies the
// externally tracked chain height used to derive the synced flag.
func NewSubscriber(endpoint string, remoteHeight func() int64, log *logger.Logger, opts ...Option) *Subscriber {
	s := &Subscriber{
		endpoint:     endpoint,
		identity:     randomIdentity(),
		remoteHeight: remoteHeight,
		logger:       log.Named("zmq"),
		dialRetry:    defaultDialRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.remoteHeight == nil {
		s.remoteHeight = func() int64 { return 0 }
	}
	return s
}

// Identity returns the socket identity announced to the node.
func (s *Subscriber) Identity() string {
	return s.identity
}

// Endpoint returns the address the dealer connects to.
func (s *Subscriber) Endpoint() string {
	return s.endpoint
}

// Connected reports whether the dealer has reached the node.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscribe starts connecting the dealer and decoding inbound frames. It
// does not wait for the node to accept the connection.
func (s *Subscriber) Subscribe(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket != nil {
		return nil, ErrSubscribed
	}

	sctx, cancel := context.WithCancel(ctx)
	socket := zmq4.NewDealer(sctx,
		zmq4.WithID(zmq4.SocketIdentity(s.identity)),
		zmq4.WithDialerMaxRetries(0))

	s.socket = socket
	s.connected = false
	s.pending = nil
	s.cancel = cancel
	s.out = make(chan types.Info, 16)

	s.wg.Add(1)
	go s.run(sctx, socket, s.out)

	return &Subscription{
		Out:   s.out,
		Close: func() { _ = s.Close() },
	}, nil
}

func (s *Subscriber) run(ctx context.Context, socket zmq4.Socket, out chan<- types.Info) {
	defer s.wg.Done()

	if !s.connect(ctx, socket) {
		return
	}
	s.receive(ctx, socket, out)
}

func (s *Subscriber) connect(ctx context.Context, socket zmq4.Socket) bool {
	for attempt := 1; ; attempt++ {
		err := socket.Dial(s.endpoint)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt == 1 {
			s.logger.Debug("node endpoint not reachable yet, retrying",
				zap.String("endpoint", s.endpoint), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.dialRetry):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket != socket {
		return false
	}
	s.connected = true
	for _, payload := range s.pending {
		if err := socket.Send(zmq4.NewMsgFrom([]byte{}, payload)); err != nil {
			s.logger.Warn("failed to send queued frame", zap.Error(err))
		}
	}
	s.pending = nil

	s.logger.Info("dealer connected",
		zap.String("endpoint", s.endpoint),
		zap.String("identity", s.identity))
	return true
}

func (s *Subscriber) receive(ctx context.Context, socket zmq4.Socket, out chan<- types.Info) {
	for {
		msg, err := socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to receive frame", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(recvBackoff):
			}
			continue
		}

		info, err := Decode(msg.Frames)
		if err != nil {
			s.logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		info.IsDaemonSyncd = Synced(info, s.remoteHeight())

		select {
		case out <- info:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes ["", payload] to the node, or holds it until the dealer is
// connected.
func (s *Subscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket == nil {
		return ErrNotSubscribed
	}
	if !s.connected {
		s.pending = append(s.pending, payload)
		return nil
	}
	return s.socket.Send(zmq4.NewMsgFrom([]byte{}, payload))
}

// Request sends a JSON-RPC control frame for method with empty params.
func (s *Subscriber) Request(method string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  method,
		"params":  map[string]interface{}{},
	})
	if err != nil {
		return err
	}
	return s.Send(payload)
}

// Close sends the eviction message when connected, closes the socket and
// stops the background loop. It is safe to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	socket, cancel, out, connected := s.socket, s.cancel, s.out, s.connected
	s.socket, s.cancel, s.out = nil, nil, nil
	s.connected, s.pending = false, nil
	s.mu.Unlock()

	if socket == nil {
		return nil
	}

	if connected {
		if err := socket.Send(zmq4.NewMsgFrom([]byte{}, []byte(EvictMessage))); err != nil {
			s.logger.Warn("failed to send evict", zap.Error(err))
		}
	}

	cancel()
	err := socket.Close()
	s.wg.Wait()
	close(out)

	s.logger.Info("dealer closed", zap.String("endpoint", s.endpoint))
	return err
}

type pushFrame struct {
	Result *struct {
		Info *types.Info `json:"info"`
	} `json:"result"`
}

// Decode parses the last frame of a push message.
func Decode(frames [][]byte) (types.Info, error) {
	if len(frames) == 0 {
		return types.Info{}, errors.New("empty message")
	}

	var frame pushFrame
	if err := json.Unmarshal(frames[len(frames)-1], &frame); err != nil {
		return types.Info{}, fmt.Errorf("invalid push payload: %w", err)
	}
	if frame.Result == nil || frame.Result.Info == nil {
		return types.Info{}, errors.New("push payload carries no info")
	}
	return *frame.Result.Info, nil
}

// Synced reports whether the node is at its own target height and has
// reached the externally tracked height.
func Synced(info types.Info, remoteHeight int64) bool {
	return info.Height == info.TargetHeight && info.Height >= remoteHeight
}

func randomIdentity() string {
	b := make([]byte, identityLength)
	for i := range b {
		b[i] = identityAlphabet[rand.IntN(len(identityAlphabet))]
	}
	return string(b)
}
