package daemon

import (
	"encoding/json"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
)

// State is the supervisor's lifecycle state
type State int

const (
	// StateStopped indicates nothing is running
	StateStopped State = iota
	// StateStarting indicates the node is being spawned or probed
	StateStarting
	// StateReady indicates the node answers and polling is active
	StateReady
	// StateStopping indicates Quit is tearing things down
	StateStopping
	// StateFailed indicates the last Start did not reach ready
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State        State         `json:"state"`
	StateString  string        `json:"state_string"`
	Mode         config.Mode   `json:"mode"`
	Testnet      bool          `json:"testnet"`
	Endpoint     string        `json:"endpoint"`
	PID          int           `json:"pid,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	Uptime       time.Duration `json:"uptime"`
	RemoteHeight int64         `json:"remote_height"`
	LastError    string        `json:"last_error,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (s Status) MarshalJSON() ([]byte, error) {
	type Alias Status
	return json.Marshal(&struct {
		*Alias
		StateString string `json:"state_string"`
		UptimeStr   string `json:"uptime_string"`
	}{
		Alias:       (*Alias)(&s),
		StateString: s.State.String(),
		UptimeStr:   s.Uptime.String(),
	})
}
