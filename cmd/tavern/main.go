package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/config"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/logging"
)

// #region root

var (
	configPath string
	verbose    bool
	cfg        config.Config
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tavern",
	Short: "Tavern narrative orchestration engine",
	Long: `Drives story threads in a tavern simulation: threads advance on game
ticks, converge when their casts overlap, and build to climaxes that the
sequencer spaces apart. State is versioned in SQLite and every tick is
journaled so sessions can be replayed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.NewLogger(level, cfg.Logging.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (TAVERN_* env vars override it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, replayCmd, inspectCmd, exportFixtureCmd, narratorCmd, watchCmd)
}

// #endregion root

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
