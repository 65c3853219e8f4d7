// Package height estimates chain heights from wall-clock time and tracks the
// reference height published by an external explorer.
package height

import (
	"context"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"go.uber.org/zap"
)

const (
	// BlockTime is the assumed average block interval in seconds.
	BlockTime = 120

	// Tolerance is how close, in seconds, a header's timestamp must be to the
	// target for its height to be accepted.
	Tolerance = 3600

	// MaxIterations bounds the number of refinements before the current pivot
	// height is returned as a best-effort answer.
	MaxIterations = 10

	// millisecondThreshold separates millisecond from second timestamps.
	millisecondThreshold = 999999999999

	methodHeaderByHeight = "get_block_header_by_height"
	methodLastHeader     = "get_last_block_header"
)

// Pivot is a known (height, unix time) anchor.
type Pivot struct {
	Height    int64 `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Checkpoint is the default anchor the search starts from.
var Checkpoint = Pivot{Height: 137500, Timestamp: 1528073506}

// Estimator converts timestamps to block heights by querying headers
// through the node.
type Estimator struct {
	caller     Caller
	tooBigCode int
	checkpoint Pivot
	logger     *logger.Logger
}

// NewEstimator creates an estimator. tooBigCode is the error code the node
// returns when asked for a height above its tip.
func NewEstimator(caller Caller, tooBigCode int, log *logger.Logger) *Estimator {
	return &Estimator{
		caller:     caller,
		tooBigCode: tooBigCode,
		checkpoint: Checkpoint,
		logger:     log.Named("height"),
	}
}

// TimestampToHeight estimates the height of the block mined around ts.
// Millisecond timestamps are accepted. ok is false when a lookup failed in
// a way the search cannot recover from.
func (e *Estimator) TimestampToHeight(ctx context.Context, ts int64) (height int64, ok bool) {
	return e.FromPivot(ctx, ts, e.checkpoint)
}

// FromPivot runs the search starting from pivot instead of the checkpoint.
func (e *Estimator) FromPivot(ctx context.Context, ts int64, pivot Pivot) (int64, bool) {
	if ts > millisecondThreshold {
		ts /= 1000
	}

	for iteration := 0; ; iteration++ {
		estimated := pivot.Height + floorDiv(ts-pivot.Timestamp, BlockTime)
		if estimated <= 0 {
			return 0, true
		}
		if iteration > MaxIterations {
			return pivot.Height, true
		}

		header, ok := e.lookup(ctx, estimated)
		if !ok {
			return 0, false
		}

		pivot = Pivot{Height: header.Height, Timestamp: header.Timestamp}
		if abs(ts-pivot.Timestamp) < Tolerance {
			return pivot.Height, true
		}

		e.logger.Debug("refining height estimate",
			zap.Int("iteration", iteration),
			zap.Int64("estimated", estimated),
			zap.Int64("pivot_height", pivot.Height),
			zap.Int64("pivot_timestamp", pivot.Timestamp))
	}
}

// lookup fetches the header at height, falling back to the chain tip when
// the node reports the height is beyond it.
func (e *Estimator) lookup(ctx context.Context, height int64) (types.BlockHeader, bool) {
	resp := e.caller.Call(ctx, methodHeaderByHeight, map[string]int64{"height": height})
	if resp.Error != nil && resp.Error.Code == e.tooBigCode {
		resp = e.caller.Call(ctx, methodLastHeader, nil)
	}
	if !resp.OK() {
		if resp.Error != nil {
			e.logger.Debug("header lookup failed",
				zap.String("method", resp.Method),
				zap.Int("code", resp.Error.Code),
				zap.String("message", resp.Error.Message))
		}
		return types.BlockHeader{}, false
	}

	var result struct {
		BlockHeader *types.BlockHeader `json:"block_header"`
	}
	if err := resp.Decode(&result); err != nil || result.BlockHeader == nil {
		return types.BlockHeader{}, false
	}
	return *result.BlockHeader, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
