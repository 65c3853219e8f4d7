// Package metrics exposes daemon status, RPC traffic and node process usage
// as Prometheus metrics.
package metrics

import "time"

const namespace = "arqmavisor"

// Snapshot is a JSON view of the values most recently recorded.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	Height        int64     `json:"height"`
	TargetHeight  int64     `json:"target_height"`
	Synced        bool      `json:"synced"`
	OutgoingPeers int       `json:"outgoing_peers"`
	IncomingPeers int       `json:"incoming_peers"`
	Connections   int       `json:"connections"`
	Bans          int       `json:"bans"`
	TxPoolSize    uint64    `json:"tx_pool_size"`
	ProcessPID    int       `json:"process_pid,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	RPCCalls      uint64    `json:"rpc_calls"`
	RPCFailures   uint64    `json:"rpc_failures"`
}
