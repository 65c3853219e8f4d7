package types

import "encoding/json"

// Info is the result of the node's get_info call. IsDaemonSyncd is never
// sent by the node; it is derived locally in push mode.
type Info struct {
	Height                   int64  `json:"height"`
	TargetHeight             int64  `json:"target_height"`
	Difficulty               uint64 `json:"difficulty"`
	TxCount                  uint64 `json:"tx_count"`
	TxPoolSize               uint64 `json:"tx_pool_size"`
	AltBlocksCount           uint64 `json:"alt_blocks_count"`
	OutgoingConnectionsCount int    `json:"outgoing_connections_count"`
	IncomingConnectionsCount int    `json:"incoming_connections_count"`
	WhitePeerlistSize        int    `json:"white_peerlist_size"`
	GreyPeerlistSize         int    `json:"grey_peerlist_size"`
	Mainnet                  bool   `json:"mainnet"`
	Testnet                  bool   `json:"testnet"`
	Stagenet                 bool   `json:"stagenet"`
	NetType                  string `json:"nettype,omitempty"`
	TopBlockHash             string `json:"top_block_hash,omitempty"`
	StartTime                int64  `json:"start_time"`
	DatabaseSize             uint64 `json:"database_size"`
	Version                  string `json:"version,omitempty"`
	Status                   string `json:"status,omitempty"`
	Offline                  bool   `json:"offline"`
	UpdateAvailable          bool   `json:"update_available"`
	IsDaemonSyncd            bool   `json:"isDaemonSyncd"`
}

// Connection is one entry of get_connections.
type Connection struct {
	Address         string `json:"address"`
	Host            string `json:"host"`
	IP              string `json:"ip"`
	Port            string `json:"port"`
	PeerID          string `json:"peer_id"`
	ConnectionID    string `json:"connection_id"`
	Height          int64  `json:"height"`
	Incoming        bool   `json:"incoming"`
	Localhost       bool   `json:"localhost"`
	LocalIP         bool   `json:"local_ip"`
	LiveTime        int64  `json:"live_time"`
	State           string `json:"state"`
	RecvCount       uint64 `json:"recv_count"`
	SendCount       uint64 `json:"send_count"`
	AvgDownload     uint64 `json:"avg_download"`
	AvgUpload       uint64 `json:"avg_upload"`
	CurrentDownload uint64 `json:"current_download"`
	CurrentUpload   uint64 `json:"current_upload"`
}

// Ban is one entry of get_bans.
type Ban struct {
	Host    string `json:"host"`
	IP      uint32 `json:"ip"`
	Seconds int64  `json:"seconds"`
}

// BanRequest is one entry of the set_bans parameter list.
type BanRequest struct {
	Host    string `json:"host"`
	Seconds int64  `json:"seconds"`
	Ban     bool   `json:"ban"`
}

// BacklogEntry is one entry of get_txpool_backlog.
type BacklogEntry struct {
	BlobSize   uint64 `json:"blob_size"`
	Fee        uint64 `json:"fee"`
	TimeInPool uint64 `json:"time_in_pool"`
}

// BlockHeader is the subset of a block header the height estimator reads.
type BlockHeader struct {
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash,omitempty"`
}

// DaemonData is a daemon status snapshot. A nil field means "not fetched in
// this cycle"; published partials leave it out entirely.
type DaemonData struct {
	Info          *Info          `json:"info,omitempty"`
	Connections   []Connection   `json:"connections,omitempty"`
	Bans          []Ban          `json:"bans,omitempty"`
	TxPoolBacklog []BacklogEntry `json:"tx_pool_backlog,omitempty"`
}

// IsEmpty reports whether no field was fetched.
func (d DaemonData) IsEmpty() bool {
	return d.Info == nil && d.Connections == nil && d.Bans == nil && d.TxPoolBacklog == nil
}

// Merge returns a new snapshot where every field present in partial
// replaces the corresponding field of d.
func (d DaemonData) Merge(partial DaemonData) DaemonData {
	merged := d
	if partial.Info != nil {
		info := *partial.Info
		merged.Info = &info
	}
	if partial.Connections != nil {
		merged.Connections = partial.Connections
	}
	if partial.Bans != nil {
		merged.Bans = partial.Bans
	}
	if partial.TxPoolBacklog != nil {
		merged.TxPoolBacklog = partial.TxPoolBacklog
	}
	return merged
}

// MarshalJSON emits only the fields that were fetched. Unlike omitempty, a
// fetched but empty list is kept so consumers can clear their view.
func (d DaemonData) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 4)
	if d.Info != nil {
		out["info"] = d.Info
	}
	if d.Connections != nil {
		out["connections"] = d.Connections
	}
	if d.Bans != nil {
		out["bans"] = d.Bans
	}
	if d.TxPoolBacklog != nil {
		out["tx_pool_backlog"] = d.TxPoolBacklog
	}
	return json.Marshal(out)
}

// Notification is a user-facing message shown by the front-end.
type Notification struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Timeout int    `json:"timeout"`
}

// NotificationNegative marks a failure notification.
const NotificationNegative = "negative"
