// Package cli builds the arqmavisor command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConfigFileName is looked up in the home directory when --config is
// not given.
const DefaultConfigFileName = "config.toml"

// options carries what every subcommand needs to resolve its config.
type options struct {
	viper      *viper.Viper
	configFile string
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"home":                "home",
	"bin-dir":             "bin_dir",
	"daemon-name":         "daemon_name",
	"data-dir":            "data_dir",
	"mode":                "mode",
	"testnet":             "testnet",
	"rpc-bind-ip":         "rpc_bind_ip",
	"rpc-bind-port":       "rpc_bind_port",
	"zmq-bind-port":       "zmq_bind_port",
	"remote-host":         "remote_host",
	"remote-port":         "remote_port",
	"log-verbosity":       "log_verbosity",
	"disable-logs":        "disable_logs",
	"color-logs":          "color_logs",
	"debug":               "debug",
	"too-big-height-code": "too_big_height_code",
}

// NewRootCommand creates the root command for arqmavisor
func NewRootCommand() *cobra.Command {
	opts := &options{viper: viper.New()}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "arqmavisor",
		Short: "Arqma node supervisor",
		Long: `Arqmavisor spawns or connects to an arqmad node, keeps a live view of its
status, and serves that view to front-ends over HTTP and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Config file (.toml or .yaml); defaults to <home>/"+DefaultConfigFileName)
	flags.String("home", defaults.Home, "Home directory for arqmavisor")
	flags.String("bin-dir", defaults.BinDir, "Directory holding the node binary")
	flags.String("daemon-name", defaults.Name, "Name of the node binary")
	flags.String("data-dir", defaults.DataDir, "Node data directory")
	flags.String("mode", string(defaults.Mode), "Daemon mode: local, local_zmq, remote or local_remote")
	flags.Bool("testnet", defaults.Testnet, "Run on testnet")
	flags.String("rpc-bind-ip", defaults.RPCBindIP, "Node RPC bind address")
	flags.Int("rpc-bind-port", defaults.RPCBindPort, "Node RPC port")
	flags.Int("zmq-bind-port", defaults.ZMQBindPort, "Node ZMQ port")
	flags.String("remote-host", defaults.RemoteHost, "Remote node host")
	flags.Int("remote-port", defaults.RemotePort, "Remote node RPC port")
	flags.String("log-verbosity", defaults.LogVerbosity, "Log level: debug, info, warn or error")
	flags.Bool("disable-logs", defaults.DisableLogs, "Disable logging")
	flags.Bool("color-logs", defaults.ColorLogs, "Colorize log output")
	flags.Bool("debug", defaults.Debug, "Enable debug mode")
	flags.Int("too-big-height-code", defaults.TooBigHeightCode, "RPC error code meaning a height is beyond the chain tip")

	bindFlags(opts.viper, flags)

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newArgsCommand(opts))
	cmd.AddCommand(newHeightCommand(opts))
	cmd.AddCommand(newBanCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for flag, key := range flagKeys {
		if f := flags.Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// loadConfig resolves flags, environment and config file into a validated
// Config.
func (o *options) loadConfig() (*config.Config, error) {
	path := o.configFile
	if path == "" {
		candidate := filepath.Join(o.viper.GetString("home"), DefaultConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.LoadWithViper(o.viper, path)
	if err != nil {
		return nil, err
	}

	// bin_dir follows home unless it was set on its own
	if cfg.BinDir == config.DefaultConfig().BinDir {
		cfg.BinDir = filepath.Join(cfg.Home, config.BinDirName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level := cfg.LogVerbosity
	if cfg.Debug {
		level = "debug"
	}
	log, err := logger.NewWithLevel(cfg.ColorLogs, cfg.DisableLogs, cfg.TimeFormatLogs, level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
