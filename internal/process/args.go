package process

import (
	"net"
	"strconv"

	"github.com/arqma/arqmavisor/internal/config"
)

// zmqMaxClients is passed to the node whenever the push socket is enabled.
const zmqMaxClients = 5

// BuildArgs returns the node's command line for cfg. The order is fixed.
func BuildArgs(cfg *config.Config) []string {
	args := []string{
		"--data-dir", cfg.DataDir,
		"--out-peers", strconv.Itoa(cfg.OutPeers),
		"--in-peers", strconv.Itoa(cfg.InPeers),
		"--limit-rate-up", strconv.Itoa(cfg.LimitRateUp),
		"--limit-rate-down", strconv.Itoa(cfg.LimitRateDown),
		"--log-level", strconv.Itoa(cfg.LogLevel),
		"--rpc-bind-ip", cfg.RPCBindIP,
		"--rpc-bind-port", strconv.Itoa(cfg.RPCBindPort),
	}

	if cfg.Mode.IsPush() {
		args = append(args,
			"--zmq-enabled",
			"--zmq-max_clients", strconv.Itoa(zmqMaxClients),
			"--zmq-bind-port", strconv.Itoa(cfg.ZMQBindPort))
	}

	if cfg.EnhancedIPPrivacy {
		// loopback P2P wins over whatever bind address was configured
		args = append(args,
			"--p2p-bind-ip", "127.0.0.1",
			"--p2p-bind-port", strconv.Itoa(cfg.P2PBindPort),
			"--no-igd",
			"--hide-my-port")
	} else {
		args = append(args,
			"--p2p-bind-ip", cfg.P2PBindIP,
			"--p2p-bind-port", strconv.Itoa(cfg.P2PBindPort))
	}

	if cfg.Testnet {
		args = append(args, "--testnet")
	}
	args = append(args, "--log-file", cfg.DaemonLogFile())

	if !cfg.IsLoopbackRPC() {
		args = append(args, "--confirm-external-bind")
	}

	if cfg.Mode == config.ModeLocalRemote && !cfg.Testnet {
		args = append(args,
			"--bootstrap-daemon-address", net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort)))
	}

	return args
}
