package main

import (
	"fmt"

	"github.com/haasonsaas/nexus-workflow/internal/wfconfig"
	"github.com/spf13/cobra"
)

// buildConfigCmd groups config-inspection subcommands.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wfconfig.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config OK: %d provider(s) configured, default %q\n",
				len(cfg.Providers), cfg.DefaultProvider)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
