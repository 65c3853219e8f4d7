package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/spf13/cobra"
)

func newInitCommand(opts *options) *cobra.Command {
	var (
		format string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the home directory and a config file",
		Long: `Init creates <home>/bin for the node binary and writes the resolved
configuration to <home>/config.toml (or config.yaml).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			var name string
			switch format {
			case "toml":
				name = DefaultConfigFileName
			case "yaml":
				name = "config.yaml"
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
			path := filepath.Join(cfg.Home, name)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(cfg.BinDir, 0755); err != nil {
				return fmt.Errorf("failed to create binary directory: %w", err)
			}
			if err := config.Write(cfg, path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "arqmavisor initialized at %s\n", cfg.Home)
			fmt.Fprintf(out, "config: %s\n", path)
			fmt.Fprintf(out, "place the %s binary in: %s\n", cfg.Name, cfg.BinDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "toml", "Config format: toml or yaml")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}
