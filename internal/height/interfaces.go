package height

import (
	"context"

	"github.com/arqma/arqmavisor/internal/rpc"
)

// Source reports the chain height as seen by an external service.
//
// Implementations must be thread-safe as they may be called concurrently
// by the tracker goroutine and by on-demand refreshes.
type Source interface {
	// FetchHeight returns the current reference height.
	// Returns an error if the service is unreachable or its answer is malformed.
	FetchHeight(ctx context.Context) (int64, error)
}

// Caller submits a JSON-RPC call to the node and waits for its outcome.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) rpc.Response
}
