package heartbeat

import (
	"encoding/json"

	"github.com/arqma/arqmavisor/internal/rpc"
	"github.com/arqma/arqmavisor/pkg/types"
)

// Methods polled by the heartbeat cycles.
const (
	MethodInfo        = "get_info"
	MethodConnections = "get_connections"
	MethodBans        = "get_bans"
	MethodBacklog     = "get_txpool_backlog"
)

type connectionsResult struct {
	Connections *[]types.Connection `json:"connections"`
}

type bansResult struct {
	Bans *[]types.Ban `json:"bans"`
}

type backlogResult struct {
	Backlog *[]types.BacklogEntry `json:"backlog"`
}

// Merge folds successful outcomes into one partial snapshot. Outcomes that
// errored, carried no result, or lack the field their method promises are
// dropped.
func Merge(outcomes []rpc.Response) types.DaemonData {
	var data types.DaemonData

	for _, r := range outcomes {
		if !r.OK() {
			continue
		}

		switch r.Method {
		case MethodInfo:
			var info types.Info
			if json.Unmarshal(r.Result, &info) == nil {
				data.Info = &info
			}
		case MethodConnections:
			var res connectionsResult
			if json.Unmarshal(r.Result, &res) == nil && res.Connections != nil {
				data.Connections = nonNil(*res.Connections)
			}
		case MethodBans:
			var res bansResult
			if json.Unmarshal(r.Result, &res) == nil && res.Bans != nil {
				data.Bans = nonNil(*res.Bans)
			}
		case MethodBacklog:
			var res backlogResult
			if json.Unmarshal(r.Result, &res) == nil && res.Backlog != nil {
				data.TxPoolBacklog = nonNil(*res.Backlog)
			}
		}
	}

	return data
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
