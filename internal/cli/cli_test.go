package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ARQMAVISOR_HOME", home)
	return home
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// rpcServer answers every JSON-RPC method from results, or with an error
// when the method is missing.
func rpcServer(t *testing.T, results map[string]string) (string, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&call)
		w.Header().Set("Content-Type", "application/json")
		if result, ok := results[call.Method]; ok {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-3,"message":"failed"}}`))
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return host, port
}

func TestArgsCommand(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, "args", "--mode", "local_zmq")
	require.NoError(t, err)

	assert.Contains(t, out, filepath.Join(home, "bin", "arqmad"))
	assert.Contains(t, out, "--zmq-enabled --zmq-max_clients 5 --zmq-bind-port 19995")
	assert.Contains(t, out, "--rpc-bind-port 19994")
}

func TestArgsCommand_HomeFlagMovesBinDir(t *testing.T) {
	isolate(t)
	other := t.TempDir()

	out, err := execute(t, "args", "--home", other)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(other, "bin", "arqmad"))
}

func TestArgsCommand_RemoteMode(t *testing.T) {
	isolate(t)

	out, err := execute(t, "args", "--mode", "remote", "--remote-host", "node.example")
	require.NoError(t, err)
	assert.Contains(t, out, "does not spawn")
}

func TestArgsCommand_EnvAndFlagPrecedence(t *testing.T) {
	isolate(t)
	t.Setenv("ARQMAVISOR_RPC_BIND_PORT", "20000")

	out, err := execute(t, "args")
	require.NoError(t, err)
	assert.Contains(t, out, "--rpc-bind-port 20000")

	out, err = execute(t, "args", "--rpc-bind-port", "21000")
	require.NoError(t, err)
	assert.Contains(t, out, "--rpc-bind-port 21000")
}

func TestInvalidConfig(t *testing.T) {
	isolate(t)

	_, err := execute(t, "args", "--mode", "cloud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown daemon mode")

	_, err = execute(t, "args", "--mode", "remote")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote host not set")
}

func TestInitCommand(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, "init", "--mode", "local_zmq", "--testnet")
	require.NoError(t, err)
	assert.Contains(t, out, "arqmavisor initialized")
	assert.FileExists(t, filepath.Join(home, DefaultConfigFileName))
	assert.DirExists(t, filepath.Join(home, "bin"))

	_, err = execute(t, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// settings persisted by init are picked up without flags
	out, err = execute(t, "args")
	require.NoError(t, err)
	assert.Contains(t, out, "--zmq-enabled")
	assert.Contains(t, out, "--testnet")

	_, err = execute(t, "init", "--force", "--format", "yaml")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, "config.yaml"))

	_, err = execute(t, "init", "--force", "--format", "ini")
	assert.Error(t, err)
}

func TestExplicitConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_bind_port: 23456\n"), 0o600))

	out, err := execute(t, "args", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "--rpc-bind-port 23456")
}

func TestHeightCommand(t *testing.T) {
	isolate(t)
	host, port := rpcServer(t, map[string]string{
		"get_block_header_by_height": `{"block_header":{"height":137500,"timestamp":1528073506}}`,
	})

	out, err := execute(t, "height", "1528073506", "--rpc-bind-ip", host, "--rpc-bind-port", port)
	require.NoError(t, err)
	assert.Equal(t, "137500\n", out)

	_, err = execute(t, "height", "yesterday")
	assert.Error(t, err)
}

func TestHeightCommand_LookupFails(t *testing.T) {
	isolate(t)
	host, port := rpcServer(t, map[string]string{})

	_, err := execute(t, "height", "1528073506", "--rpc-bind-ip", host, "--rpc-bind-port", port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height lookup failed")
}

func TestBanCommand(t *testing.T) {
	isolate(t)
	host, port := rpcServer(t, map[string]string{"set_bans": `{"status":"OK"}`})

	out, err := execute(t, "ban", "10.1.1.1", "--seconds", "60", "--rpc-bind-ip", host, "--rpc-bind-port", port)
	require.NoError(t, err)
	assert.Contains(t, out, "Banned 10.1.1.1 until")

	failing, failingPort := rpcServer(t, map[string]string{})
	out, err = execute(t, "ban", "10.1.1.1", "--rpc-bind-ip", failing, "--rpc-bind-port", failingPort)
	require.Error(t, err)
	assert.Contains(t, out, "Error banning peer")
}

func TestStatusCommand(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"state_string":"ready","mode":"local","endpoint":"http://127.0.0.1:19994/json_rpc","pid":77,"uptime_string":"5m0s","remote_height":1500}`))
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "State:         ready")
	assert.Contains(t, out, "PID:           77")
	assert.NotContains(t, out, "Last error")

	_, err = execute(t, "status", "--api-url", srv.URL+"/missing")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binary")
	}
	home := isolate(t)

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "arqmavisor version: "+Version)
	assert.Contains(t, out, "node: not installed")

	binDir := filepath.Join(home, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	script := "#!/bin/sh\necho 'Arqma v0.7.0'\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "arqmad"), []byte(script), 0o755))

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "node: Arqma v0.7.0")
}

func TestRunCommandRejectsInvalidConfig(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--mode", "remote")
	assert.Error(t, err)
}

func TestRunCommandRemoteUnavailable(t *testing.T) {
	isolate(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = execute(t, "run", "--mode", "remote", "--remote-host", "127.0.0.1",
		"--remote-port", strconv.Itoa(port), "--disable-logs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote daemon unavailable")
}
