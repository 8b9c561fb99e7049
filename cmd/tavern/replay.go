package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/logging"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/replay"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
)

// #region command

var (
	replayDB      string
	replayFixture string
	replaySession string
)

// errDiverged makes the process exit non-zero when a replay drifts.
var errDiverged = errors.New("replay diverged")

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a journaled session or a fixture and compare effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (replayDB == "") == (replayFixture == "") {
			return errors.New("pass exactly one of --db or --fixture")
		}

		var (
			ticks []replay.RecordedTick
			rc    replay.ReplayConfig
		)
		if replayFixture != "" {
			f, err := replay.LoadFixture(replayFixture)
			if err != nil {
				return err
			}
			ticks, rc = f.Ticks, f.ToReplayConfig()
		} else {
			session := replaySession
			if session == "" {
				session = cfg.Narrative.SessionID
			}
			var err error
			ticks, err = journalTicks(replayDB, session)
			if err != nil {
				return err
			}
			rc = replay.ReplayConfig{Orchestrator: cfg.Narrative.OrchestratorConfig(), Eval: evalConfig(cfg)}
		}
		if len(ticks) == 0 {
			return errors.New("nothing to replay")
		}

		results, final := replay.Replay(ticks, rc, orchestrator.WithLogger(logger))
		summary := replay.Summarize(results, final, rc.Eval)
		printComparison(cmd.OutOrStdout(), results, summary)
		if summary.Divergences > 0 {
			return fmt.Errorf("%w: %d of %d ticks", errDiverged, summary.Divergences, summary.TotalTicks)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayDB, "db", "", "SQLite database with a tick journal (DB mode)")
	replayCmd.Flags().StringVar(&replayFixture, "fixture", "", "fixture JSON (fixture mode)")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "session id to replay from the journal (default from config)")
}

func journalTicks(dbPath, session string) ([]replay.RecordedTick, error) {
	store, err := state.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	entries, err := logging.ListTicks(store.DB(), session, 0)
	if err != nil {
		return nil, err
	}
	return replay.FromJournal(entries)
}

// #endregion command

// #region output

func printComparison(w io.Writer, results []replay.ReplayResult, s replay.ReplaySummary) {
	fmt.Fprintf(w, "%-6s| %-20s| %-9s| %s\n", "Tick", "Game time", "Result", "Effects")
	fmt.Fprintf(w, "%-6s+%-21s+%-10s+%s\n", "------", "---------------------", "----------", "--------------------")
	for _, r := range results {
		kinds := make([]string, len(r.Actual))
		for i, k := range r.Actual {
			kinds[i] = string(k)
		}
		line := strings.Join(kinds, ",")
		if r.Action != replay.ActionMatch {
			line += "  (" + r.Reason + ")"
		}
		fmt.Fprintf(w, "%-6d| %-20s| %-9s| %s\n", r.Tick, r.GameTime.Format("2006-01-02 15:04"), r.Action, line)
	}

	fmt.Fprintf(w, "\nSummary: %d total, %d match, %d diverge, %d skipped\n",
		s.TotalTicks, s.Matches, s.Divergences, s.Skipped)
	fmt.Fprintf(w, "Final state: tick %d, eval %s\n", s.Final.Tick, s.Eval.Reason)
}

// #endregion output
