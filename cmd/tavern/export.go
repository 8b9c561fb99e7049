package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/logging"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/replay"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
)

var (
	exportDB      string
	exportSession string
	exportOut     string
	exportFirst    int
	exportDesc    string
)

var exportFixtureCmd = &cobra.Command{
	Use:   "export-fixture",
	Short: "Export journaled ticks into a replay fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOut == "" {
			return errors.New("--out is required")
		}
		dbPath := exportDB
		if dbPath == "" {
			dbPath = cfg.Storage.DBPath
		}
		session := exportSession
		if session == "" {
			session = cfg.Narrative.SessionID
		}

		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		entries, err := logging.ListTicks(store.DB(), session, 0)
		if err != nil {
			return err
		}
		// A replay must start at the session's first tick, so only a prefix can be cut.
		ticks, err := replay.FromJournal(entries)
		if err != nil {
			return err
		}
		if len(ticks) == 0 {
			return fmt.Errorf("no journal entries for session %q", session)
		}
		if exportFirst > 0 && exportFirst < len(ticks) {
			ticks = ticks[:exportFirst]
		}

		desc := exportDesc
		if desc == "" {
			desc = fmt.Sprintf("session %s, %d ticks", session, len(ticks))
		}
		f := &replay.Fixture{Description: desc, Config: cfg.Narrative, Ticks: ticks}
		if err := replay.WriteFixture(exportOut, f); err != nil {
			return err
		}
		logger.Info("fixture exported", zap.String("path", exportOut), zap.Int("ticks", len(ticks)))
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d ticks to %s\n", len(ticks), exportOut)
		return nil
	},
}

func init() {
	exportFixtureCmd.Flags().StringVar(&exportDB, "db", "", "SQLite database (default from config)")
	exportFixtureCmd.Flags().StringVar(&exportSession, "session", "", "session id (default from config)")
	exportFixtureCmd.Flags().StringVar(&exportOut, "out", "", "output fixture path")
	exportFixtureCmd.Flags().IntVar(&exportFirst, "first", 0, "export only the first N ticks (0 = all)")
	exportFixtureCmd.Flags().StringVar(&exportDesc, "description", "", "fixture description")
}
