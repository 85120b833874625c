package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"framepick/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate framepick configuration",
	}

	// config show subcommand
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(root.out, "# config file: %s\n", config.Path())
			return root.printJSON(root.cfg)
		},
	}

	// config validate subcommand
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "framepick %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
			if addr := root.cfg.Scoring.PredictorAddr; addr != "" {
				fmt.Fprintf(root.out, "Quality predictor: %s\n", addr)
			} else {
				fmt.Fprintf(root.out, "Quality predictor: built-in heuristic\n")
			}
		},
	}
}
