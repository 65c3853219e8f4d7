package config

import (
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
)

// Directory and file name constants
const (
	BinDirName     = "bin"
	LogsDirName    = "logs"
	TestnetDirName = "testnet"
	LogFileName    = "arqmad.log"
	RPCPath        = "/json_rpc"
	loopbackIP     = "127.0.0.1"
)

// DaemonBinary returns the path of the node binary for this platform
func (c *Config) DaemonBinary() string {
	name := c.Name
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.BinDir, name)
}

// DaemonLogFile returns the log file the node is told to write
func (c *Config) DaemonLogFile() string {
	if c.Testnet {
		return filepath.Join(c.DataDir, TestnetDirName, LogsDirName, LogFileName)
	}
	return filepath.Join(c.DataDir, LogsDirName, LogFileName)
}

// RPCEndpoint returns the JSON-RPC URL used for every call in this mode
func (c *Config) RPCEndpoint() string {
	if c.Mode == ModeRemote {
		return c.RemoteEndpoint()
	}
	return fmt.Sprintf("http://%s%s", hostPort(c.RPCBindIP, c.RPCBindPort), RPCPath)
}

// RemoteEndpoint returns the JSON-RPC URL of the configured remote node
func (c *Config) RemoteEndpoint() string {
	return fmt.Sprintf("http://%s%s", hostPort(c.RemoteHost, c.RemotePort), RPCPath)
}

// ZMQEndpoint returns the push socket address of the local node
func (c *Config) ZMQEndpoint() string {
	return "tcp://" + hostPort(c.RPCBindIP, c.ZMQBindPort)
}

// RemoteHeightSource returns the network info URL for the configured network
func (c *Config) RemoteHeightSource() string {
	if c.Testnet {
		return c.RemoteHeightURLTest
	}
	return c.RemoteHeightURL
}

// IsLoopbackRPC reports whether RPC is bound to the loopback address
func (c *Config) IsLoopbackRPC() bool {
	return c.RPCBindIP == loopbackIP
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
