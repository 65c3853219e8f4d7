package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Mode selects how the supervisor reaches the node. It is fixed for the
// lifetime of a supervisor.
type Mode string

const (
	// ModeLocal spawns the node and polls it over local RPC.
	ModeLocal Mode = "local"
	// ModeLocalZMQ spawns the node and receives status over a push socket.
	ModeLocalZMQ Mode = "local_zmq"
	// ModeRemote talks RPC to a third-party node; nothing is spawned.
	ModeRemote Mode = "remote"
	// ModeLocalRemote spawns the node with a remote bootstrap daemon.
	ModeLocalRemote Mode = "local_remote"
)

// IsLocal reports whether the mode owns a spawned process.
func (m Mode) IsLocal() bool {
	return m == ModeLocal || m == ModeLocalZMQ || m == ModeLocalRemote
}

// IsPush reports whether status arrives over the push socket.
func (m Mode) IsPush() bool {
	return m == ModeLocalZMQ
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeLocalZMQ, ModeRemote, ModeLocalRemote:
		return true
	}
	return false
}

// Default configuration values
const (
	DefaultDaemonName           = "arqmad"
	DefaultRPCBindIP            = "127.0.0.1"
	DefaultRPCBindPort          = 19994
	DefaultP2PBindIP            = "0.0.0.0"
	DefaultP2PBindPort          = 19993
	DefaultZMQBindPort          = 19995
	DefaultOutPeers             = -1
	DefaultInPeers              = -1
	DefaultLimitRate            = -1
	DefaultLogLevel             = 0
	DefaultShutdownGrace        = 30 * time.Second
	DefaultReadyPollInterval    = 2 * time.Second
	DefaultFastInterval         = 5 * time.Second
	DefaultFastIntervalRemote   = 30 * time.Second
	DefaultSlowInterval         = 30 * time.Second
	DefaultRemoteHeightInterval = 10 * time.Minute
	DefaultTooBigHeightCode     = -2
	DefaultTimeFormatLogs       = "kitchen"
	DefaultAPIHost              = "127.0.0.1"
	DefaultAPIPort              = 8090
	DefaultAPIRateLimit         = 60
	DefaultMetricsInterval      = 15 * time.Second
	DefaultMetricsAddr          = "127.0.0.1:9090"
	DefaultRemoteHeightURL      = "https://explorer.evolutionproject.space/api/networkinfo"
	DefaultRemoteHeightURLTest  = "https://stageblocks.arqma.com/api/networkinfo"
	MinPollInterval             = 100 * time.Millisecond
)

// Config holds all configuration for arqmavisor
type Config struct {
	// Core settings
	Home    string `mapstructure:"home" toml:"home" yaml:"home"`
	BinDir  string `mapstructure:"bin_dir" toml:"bin_dir" yaml:"bin_dir"`
	Name    string `mapstructure:"daemon_name" toml:"daemon_name" yaml:"daemon_name"`
	DataDir string `mapstructure:"data_dir" toml:"data_dir" yaml:"data_dir"`
	Testnet bool   `mapstructure:"testnet" toml:"testnet" yaml:"testnet"`
	Mode    Mode   `mapstructure:"mode" toml:"mode" yaml:"mode"`

	// Node flags
	OutPeers          int    `mapstructure:"out_peers" toml:"out_peers" yaml:"out_peers"`
	InPeers           int    `mapstructure:"in_peers" toml:"in_peers" yaml:"in_peers"`
	LimitRateUp       int    `mapstructure:"limit_rate_up" toml:"limit_rate_up" yaml:"limit_rate_up"`
	LimitRateDown     int    `mapstructure:"limit_rate_down" toml:"limit_rate_down" yaml:"limit_rate_down"`
	LogLevel          int    `mapstructure:"log_level" toml:"log_level" yaml:"log_level"`
	RPCBindIP         string `mapstructure:"rpc_bind_ip" toml:"rpc_bind_ip" yaml:"rpc_bind_ip"`
	RPCBindPort       int    `mapstructure:"rpc_bind_port" toml:"rpc_bind_port" yaml:"rpc_bind_port"`
	P2PBindIP         string `mapstructure:"p2p_bind_ip" toml:"p2p_bind_ip" yaml:"p2p_bind_ip"`
	P2PBindPort       int    `mapstructure:"p2p_bind_port" toml:"p2p_bind_port" yaml:"p2p_bind_port"`
	ZMQBindPort       int    `mapstructure:"zmq_bind_port" toml:"zmq_bind_port" yaml:"zmq_bind_port"`
	EnhancedIPPrivacy bool   `mapstructure:"enhanced_ip_privacy" toml:"enhanced_ip_privacy" yaml:"enhanced_ip_privacy"`
	RemoteHost        string `mapstructure:"remote_host" toml:"remote_host" yaml:"remote_host"`
	RemotePort        int    `mapstructure:"remote_port" toml:"remote_port" yaml:"remote_port"`

	// Supervisor behaviour
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace" toml:"shutdown_grace" yaml:"shutdown_grace"`
	ReadyPollInterval    time.Duration `mapstructure:"ready_poll_interval" toml:"ready_poll_interval" yaml:"ready_poll_interval"`
	FastInterval         time.Duration `mapstructure:"fast_interval" toml:"fast_interval" yaml:"fast_interval"`
	FastIntervalRemote   time.Duration `mapstructure:"fast_interval_remote" toml:"fast_interval_remote" yaml:"fast_interval_remote"`
	SlowInterval         time.Duration `mapstructure:"slow_interval" toml:"slow_interval" yaml:"slow_interval"`
	RemoteHeightURL      string        `mapstructure:"remote_height_url" toml:"remote_height_url" yaml:"remote_height_url"`
	RemoteHeightURLTest  string        `mapstructure:"remote_height_url_testnet" toml:"remote_height_url_testnet" yaml:"remote_height_url_testnet"`
	RemoteHeightInterval time.Duration `mapstructure:"remote_height_interval" toml:"remote_height_interval" yaml:"remote_height_interval"`
	TooBigHeightCode     int           `mapstructure:"too_big_height_code" toml:"too_big_height_code" yaml:"too_big_height_code"`

	// Logging
	DisableLogs    bool   `mapstructure:"disable_logs" toml:"disable_logs" yaml:"disable_logs"`
	ColorLogs      bool   `mapstructure:"color_logs" toml:"color_logs" yaml:"color_logs"`
	TimeFormatLogs string `mapstructure:"timeformat_logs" toml:"timeformat_logs" yaml:"timeformat_logs"`
	LogVerbosity   string `mapstructure:"log_verbosity" toml:"log_verbosity" yaml:"log_verbosity"`
	Debug          bool   `mapstructure:"debug" toml:"debug" yaml:"debug"`

	// API Server settings
	APIEnabled     bool     `mapstructure:"api_enabled" toml:"api_enabled" yaml:"api_enabled"`
	APIHost        string   `mapstructure:"api_host" toml:"api_host" yaml:"api_host"`
	APIPort        int      `mapstructure:"api_port" toml:"api_port" yaml:"api_port"`
	APIKey         string   `mapstructure:"api_key" toml:"api_key" yaml:"api_key"`
	APIJWTSecret   string   `mapstructure:"api_jwt_secret" toml:"api_jwt_secret" yaml:"api_jwt_secret"`
	APICORSOrigins []string `mapstructure:"api_cors_origins" toml:"api_cors_origins" yaml:"api_cors_origins"`
	APIRateLimit   int      `mapstructure:"api_rate_limit" toml:"api_rate_limit" yaml:"api_rate_limit"`

	// Metrics settings
	MetricsEnabled  bool          `mapstructure:"metrics_enabled" toml:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval" toml:"metrics_interval" yaml:"metrics_interval"`
	MetricsAddr     string        `mapstructure:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	home := getDefaultHome()

	return &Config{
		Home:                 home,
		BinDir:               filepath.Join(home, BinDirName),
		Name:                 DefaultDaemonName,
		DataDir:              getDefaultDataDir(),
		Mode:                 ModeLocal,
		OutPeers:             DefaultOutPeers,
		InPeers:              DefaultInPeers,
		LimitRateUp:          DefaultLimitRate,
		LimitRateDown:        DefaultLimitRate,
		LogLevel:             DefaultLogLevel,
		RPCBindIP:            DefaultRPCBindIP,
		RPCBindPort:          DefaultRPCBindPort,
		P2PBindIP:            DefaultP2PBindIP,
		P2PBindPort:          DefaultP2PBindPort,
		ZMQBindPort:          DefaultZMQBindPort,
		RemotePort:           DefaultRPCBindPort,
		ShutdownGrace:        DefaultShutdownGrace,
		ReadyPollInterval:    DefaultReadyPollInterval,
		FastInterval:         DefaultFastInterval,
		FastIntervalRemote:   DefaultFastIntervalRemote,
		SlowInterval:         DefaultSlowInterval,
		RemoteHeightURL:      DefaultRemoteHeightURL,
		RemoteHeightURLTest:  DefaultRemoteHeightURLTest,
		RemoteHeightInterval: DefaultRemoteHeightInterval,
		TooBigHeightCode:     DefaultTooBigHeightCode,
		ColorLogs:            true,
		TimeFormatLogs:       DefaultTimeFormatLogs,
		LogVerbosity:         "info",

		// API Server defaults
		APIHost:        DefaultAPIHost,
		APIPort:        DefaultAPIPort,
		APICORSOrigins: []string{"*"},
		APIRateLimit:   DefaultAPIRateLimit,

		MetricsInterval: DefaultMetricsInterval,
		MetricsAddr:     DefaultMetricsAddr,
	}
}

// getDefaultHome returns the default arqmavisor home directory
func getDefaultHome() string {
	if home := os.Getenv("ARQMAVISOR_HOME"); home != "" {
		return home
	}
	return filepath.Join(os.Getenv("HOME"), ".arqmavisor")
}

// getDefaultDataDir returns the default node data directory
func getDefaultDataDir() string {
	return filepath.Join(os.Getenv("HOME"), ".arqma")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown daemon mode %q", c.Mode)
	}
	if c.Mode.IsLocal() {
		if c.BinDir == "" {
			return fmt.Errorf("daemon binary directory not set")
		}
		if c.Name == "" {
			return fmt.Errorf("daemon name not set")
		}
		if c.DataDir == "" {
			return fmt.Errorf("daemon data directory not set")
		}
		if net.ParseIP(c.RPCBindIP) == nil {
			return fmt.Errorf("invalid rpc bind ip %q", c.RPCBindIP)
		}
		if err := validatePort("rpc bind", c.RPCBindPort); err != nil {
			return err
		}
		if err := validatePort("p2p bind", c.P2PBindPort); err != nil {
			return err
		}
	}
	if c.Mode.IsPush() {
		if err := validatePort("zmq bind", c.ZMQBindPort); err != nil {
			return err
		}
	}
	if c.Mode == ModeRemote || c.Mode == ModeLocalRemote {
		if c.RemoteHost == "" {
			return fmt.Errorf("remote host not set for mode %s", c.Mode)
		}
		if err := validatePort("remote", c.RemotePort); err != nil {
			return err
		}
	}
	if c.ReadyPollInterval < MinPollInterval {
		return fmt.Errorf("ready poll interval too short (minimum %v)", MinPollInterval)
	}
	if c.FastInterval < MinPollInterval || c.FastIntervalRemote < MinPollInterval || c.SlowInterval < MinPollInterval {
		return fmt.Errorf("heartbeat interval too short (minimum %v)", MinPollInterval)
	}
	if c.APIEnabled {
		if err := validatePort("api", c.APIPort); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s port %d", name, port)
	}
	return nil
}
