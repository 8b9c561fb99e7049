package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/eval"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
)

var watchSession string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow snapshots mirrored to Redis by running sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.RedisAddr == "" {
			return errors.New("redis is not configured (TAVERN_STORAGE_REDIS_ADDR)")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mirror, err := state.NewRedisMirror(ctx, state.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			return err
		}
		defer mirror.Close()

		announcements, err := mirror.Subscribe(ctx)
		if err != nil {
			return err
		}
		logger.Info("watching snapshots", zap.String("session", watchSession))
		return followSnapshots(cmd.OutOrStdout(), logger, announcements, watchSession, func(a state.Announcement) (state.SnapshotRecord, error) {
			return mirror.Latest(ctx, a.SessionID)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSession, "session", "", "only follow this session (default all)")
}

// followSnapshots prints one line per announced version until the stream ends.
// A mirror that has already moved past the announced version is reported as such.
func followSnapshots(w io.Writer, log *zap.Logger, announcements <-chan state.Announcement, session string, latest func(state.Announcement) (state.SnapshotRecord, error)) error {
	for a := range announcements {
		if session != "" && a.SessionID != session {
			continue
		}
		rec, err := latest(a)
		if err != nil {
			log.Warn("mirror read failed", zap.String("session", a.SessionID), zap.Error(err))
			continue
		}
		if rec.VersionID != a.VersionID {
			fmt.Fprintf(w, "%-16s %s superseded by %s\n", a.SessionID, a.VersionID, rec.VersionID)
			continue
		}
		ev := "ok"
		var res eval.EvalResult
		if rec.EvalJSON != "" && json.Unmarshal([]byte(rec.EvalJSON), &res) == nil && !res.Passed {
			ev = "FAIL " + res.Reason
		}
		fmt.Fprintf(w, "%-16s %s  tick %d  %s  %s\n",
			a.SessionID, a.VersionID, rec.Tick, rec.GameTime.Format(time.RFC3339), ev)
	}
	return nil
}
