package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arqma/arqmavisor/internal/daemon"
	"github.com/arqma/arqmavisor/internal/process"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/spf13/cobra"
)

// Version information, set at build time
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func newArgsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "args",
		Short: "Print the node command line for the current config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !cfg.Mode.IsLocal() {
				fmt.Fprintf(out, "mode %s does not spawn a node\n", cfg.Mode)
				return nil
			}
			fmt.Fprintln(out, strings.Join(append([]string{cfg.DaemonBinary()}, process.BuildArgs(cfg)...), " "))
			return nil
		},
	}
}

// clientSupervisor builds a supervisor that only talks RPC to an already
// running node.
func clientSupervisor(opts *options) (*daemon.Supervisor, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	// only errors, so command output stays readable
	log, err := logger.NewWithLevel(cfg.ColorLogs, cfg.DisableLogs, cfg.TimeFormatLogs, "error")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return daemon.New(cfg, log), nil
}

func newHeightCommand(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "height <timestamp>",
		Short: "Estimate the block height at a unix timestamp",
		Long: `Height asks the running node for block headers until it finds the block
mined within an hour of the timestamp. Milliseconds are accepted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || ts < 0 {
				return fmt.Errorf("invalid timestamp %q", args[0])
			}

			sup, err := clientSupervisor(opts)
			if err != nil {
				return err
			}
			defer sup.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			height, ok := sup.TimestampToHeight(ctx, ts)
			if !ok {
				return errors.New("height lookup failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), height)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}

func newBanCommand(opts *options) *cobra.Command {
	var seconds int64

	cmd := &cobra.Command{
		Use:   "ban <host>",
		Short: "Ban a peer on the running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := clientSupervisor(opts)
			if err != nil {
				return err
			}
			defer sup.Close()

			note := sup.BanPeer(cmd.Context(), args[0], seconds)
			fmt.Fprintln(cmd.OutOrStdout(), note.Message)
			if note.Type == types.NotificationNegative {
				return errors.New(note.Message)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&seconds, "seconds", daemon.DefaultBanSeconds, "Ban duration in seconds")
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status reported by a running arqmavisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/api/v1/status", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("arqmavisor API not reachable: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s", resp.Status)
			}

			var status map[string]interface{}
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("invalid status response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:         %v\n", status["state_string"])
			fmt.Fprintf(out, "Mode:          %v\n", status["mode"])
			fmt.Fprintf(out, "Endpoint:      %v\n", status["endpoint"])
			if pid, ok := status["pid"]; ok {
				fmt.Fprintf(out, "PID:           %v\n", pid)
			}
			fmt.Fprintf(out, "Uptime:        %v\n", status["uptime_string"])
			fmt.Fprintf(out, "Remote height: %v\n", status["remote_height"])
			if lastErr, ok := status["last_error"]; ok {
				fmt.Fprintf(out, "Last error:    %v\n", lastErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8090", "Base URL of the arqmavisor API")
	return cmd
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "arqmavisor version: %s\n", Version)
			fmt.Fprintf(out, "git commit: %s\n", GitCommit)

			cfg, err := opts.loadConfig()
			if err != nil {
				return nil
			}
			version, err := process.Version(cmd.Context(), cfg.DaemonBinary())
			if err != nil {
				fmt.Fprintf(out, "node: not installed (%s)\n", cfg.DaemonBinary())
				return nil
			}
			fmt.Fprintf(out, "node: %s\n", version)
			return nil
		},
	}
}
