package height

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"go.uber.org/zap"
)

const (
	// DefaultRefreshInterval is used by Run for a non-positive interval.
	DefaultRefreshInterval = 10 * time.Minute

	maxNetworkInfoSize = 1 << 20
)

// NetworkInfoSource reads the height from a block explorer's network info
// endpoint, which answers {"data": {"height": N, ...}}.
type NetworkInfoSource struct {
	url    string
	client *http.Client
}

// NewNetworkInfoSource creates a source for url. A nil client gets a default
// one with a 15 second timeout.
func NewNetworkInfoSource(url string, client *http.Client) *NetworkInfoSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &NetworkInfoSource{url: url, client: client}
}

// URL returns the endpoint queried.
func (s *NetworkInfoSource) URL() string {
	return s.url
}

// FetchHeight implements Source.
func (s *NetworkInfoSource) FetchHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("network info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("network info returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNetworkInfoSize))
	if err != nil {
		return 0, fmt.Errorf("failed to read network info: %w", err)
	}

	var payload struct {
		Data *struct {
			Height *int64 `json:"height"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode network info: %w", err)
	}
	if payload.Data == nil || payload.Data.Height == nil {
		return 0, errors.New("network info carries no height")
	}

	return *payload.Data.Height, nil
}

// RemoteTracker keeps the most recent reference height from a Source. A
// failed refresh resets it to 0 ("unknown"), which every local height
// satisfies, so an unreachable service never holds back sync detection.
type RemoteTracker struct {
	source Source
	logger *logger.Logger
	height atomic.Int64
}

// NewRemoteTracker creates a tracker over source, starting at height 0.
func NewRemoteTracker(source Source, log *logger.Logger) *RemoteTracker {
	return &RemoteTracker{
		source: source,
		logger: log.Named("remote-height"),
	}
}

// Height returns the last stored reference height.
func (t *RemoteTracker) Height() int64 {
	return t.height.Load()
}

// Refresh queries the source once and stores the result. On failure the
// stored height becomes 0 and the error is returned.
func (t *RemoteTracker) Refresh(ctx context.Context) error {
	height, err := t.source.FetchHeight(ctx)
	if err != nil {
		t.store(0)
		t.logger.Debug("remote height unavailable", zap.Error(err))
		return err
	}

	t.store(height)
	return nil
}

func (t *RemoteTracker) store(height int64) {
	if old := t.height.Swap(height); old != height {
		t.logger.Info("remote height changed",
			zap.Int64("from", old),
			zap.Int64("to", height))
	}
}

// Run refreshes immediately and then every interval until ctx is done.
func (t *RemoteTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	_ = t.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.Refresh(ctx)
		}
	}
}
