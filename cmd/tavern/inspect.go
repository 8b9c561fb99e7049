package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/eval"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
)

// #region command

var (
	inspectDB      string
	inspectSession string
	inspectLast    int
	inspectVersion string
	inspectJSON    bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List snapshot versions or show one in detail",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := inspectDB
		if dbPath == "" {
			dbPath = cfg.Storage.DBPath
		}
		session := inspectSession
		if session == "" {
			session = cfg.Narrative.SessionID
		}

		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		w := cmd.OutOrStdout()
		if inspectVersion != "" {
			return runDetailMode(w, store, inspectVersion, inspectJSON)
		}
		return runListMode(w, store, session, inspectLast, inspectJSON)
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectDB, "db", "", "SQLite database (default from config)")
	inspectCmd.Flags().StringVar(&inspectSession, "session", "", "session id (default from config)")
	inspectCmd.Flags().IntVar(&inspectLast, "last", 20, "show N most recent versions")
	inspectCmd.Flags().StringVar(&inspectVersion, "version", "", "show single version detail")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output as JSON instead of table")
}

// #endregion command

// #region list-mode

type listRow struct {
	VersionID string `json:"version_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Tick      int    `json:"tick"`
	GameTime  string `json:"game_time"`
	Passed    bool   `json:"eval_passed"`
	Reason    string `json:"eval_reason"`
	CreatedAt string `json:"created_at"`
}

func runListMode(w io.Writer, store *state.Store, session string, last int, jsonOut bool) error {
	versions, err := store.ListVersions(session, last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(os.Stderr, "no versions found")
		return nil
	}

	// Store returns newest first; print chronologically.
	rows := make([]listRow, len(versions))
	for i, v := range versions {
		var res eval.EvalResult
		if v.EvalJSON != "" {
			_ = json.Unmarshal([]byte(v.EvalJSON), &res)
		}
		rows[len(versions)-1-i] = listRow{
			VersionID: v.VersionID,
			ParentID:  v.ParentID,
			Tick:      v.Tick,
			GameTime:  v.GameTime.Format("2006-01-02 15:04"),
			Passed:    res.Passed,
			Reason:    res.Reason,
			CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(w, rows)
	}
	fmt.Fprintf(w, "%-36s  %6s  %-16s  %-5s  %s\n", "Version", "Tick", "Game time", "Eval", "Created")
	for _, r := range rows {
		ev := "ok"
		if !r.Passed {
			ev = "FAIL"
		}
		fmt.Fprintf(w, "%-36s  %6d  %-16s  %-5s  %s\n", r.VersionID, r.Tick, r.GameTime, ev, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailView struct {
	VersionID     string                       `json:"version_id"`
	Tick          int                          `json:"tick"`
	GlobalTension float64                      `json:"global_tension"`
	Threads       []orchestrator.ThreadSummary `json:"active_threads"`
	Climaxes      int                          `json:"scheduled_climaxes"`
	Pending       int                          `json:"pending_interventions"`
	Eval          eval.EvalResult              `json:"eval"`
}

func runDetailMode(w io.Writer, store *state.Store, versionID string, jsonOut bool) error {
	rec, err := store.GetVersion(versionID)
	if err != nil {
		return err
	}
	o, err := orchestrator.Restore(cfg.Narrative.OrchestratorConfig(), rec.Payload)
	if err != nil {
		return err
	}
	view := detailView{
		VersionID:     rec.VersionID,
		Tick:          o.Tick(),
		GlobalTension: o.GlobalTension(),
		Threads:       o.GetActiveThreads(),
		Climaxes:      len(o.ScheduledClimaxes()),
		Pending:       len(o.PendingInterventions()),
		Eval:          eval.NewEvalHarness(evalConfig(cfg)).Run(o.Snapshot()),
	}
	if jsonOut {
		return printJSON(w, view)
	}

	fmt.Fprintf(w, "Version %s  tick %d  global tension %.3f\n", view.VersionID, view.Tick, view.GlobalTension)
	fmt.Fprintf(w, "Scheduled climaxes: %d  pending interventions: %d\n\n", view.Climaxes, view.Pending)
	for _, th := range view.Threads {
		fmt.Fprintf(w, "  %-36s  %-13s  %-8s  %.2f\n", th.ID, th.Type, th.Stage, th.Tension)
	}
	fmt.Fprintln(w)
	for _, m := range view.Eval.Metrics {
		mark := "ok"
		if !m.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  %-22s %8.3f  %s\n", m.Name, m.Value, mark)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion detail-mode
