// steward is a self-evolving request interpretation agent: it matches
// natural-language requests to learned workflows, validates business rules,
// commits atomic mutations, and grows its own schema and workflow set at
// runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Process logger; categorized file logging is configured separately
	// through .steward/config.yaml.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward - request interpretation and workflow execution engine",
	Long: `steward turns unstructured requests into validated state mutations.

It matches requests against a learned workflow registry via fuzzy search,
extracts entity slots under an evolving schema, validates business rules,
and commits the result as one atomic transaction - evolving its own schema
and workflows when it meets a request shape it has not seen before.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose process logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory (holds .steward/)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(interpretCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
