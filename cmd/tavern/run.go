package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/narration"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/state"
	"github.com/danielpatrickdp/tavern-sim/narrative/internal/story"
)

// #region command

var (
	runStart string
	runStep  time.Duration
)

const replHelp = `Reads commands from stdin, one per line:

  tick [n]                  advance n ticks (default 1)
  arrive <npc>...           NPCs enter the tavern
  leave <npc>...            NPCs leave
  seed <type> <npc>...      queue a new story thread for the next tick
  threads                   list active threads
  npc <id>                  show what an NPC knows
  climaxes                  list scheduled climaxes
  save                      commit a snapshot
  rollback <version>        restore a snapshot
  quit`

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an interactive tavern session",
	Long:  replHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now().UTC().Truncate(time.Hour)
		if runStart != "" {
			t, err := time.Parse(time.RFC3339, runStart)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			start = t
		}

		store, err := state.NewStore(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		narrator, closeNarrator, err := newNarrator()
		if err != nil {
			return err
		}
		defer closeNarrator()

		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, logger, store, narrator, start, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Fprintf(s.out, "Tavern session %q ready at tick %d (%s). Type 'help' for commands.\n",
			cfg.Narrative.SessionID, s.orch.Tick(), s.clock.Format(time.RFC3339))
		return s.repl(ctx, cmd.InOrStdin(), runStep)
	},
}

func init() {
	runCmd.Flags().StringVar(&runStart, "start", "", "game clock for a fresh session (RFC3339, default now)")
	runCmd.Flags().DurationVar(&runStep, "step", time.Hour, "game time per tick")
}

// newNarrator builds the configured narration backend; nil means narration is off.
func newNarrator() (narration.Narrator, func(), error) {
	noop := func() {}
	switch cfg.Narration.Backend {
	case "openai":
		n := narration.NewOpenAINarrator(cfg.Narration.APIKey, cfg.Narration.BaseURL, cfg.Narration.Model)
		return narration.WithRetry(n, logger.Named("narration")), noop, nil
	case "grpc":
		n, err := narration.NewGRPCNarrator(cfg.Narration.GRPCTarget)
		if err != nil {
			return nil, noop, err
		}
		return n, func() { n.Close() }, nil
	}
	return nil, noop, nil
}

// #endregion command

// #region repl

func (s *session) repl(ctx context.Context, in io.Reader, step time.Duration) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			break
		}
		quit, err := s.exec(ctx, scanner.Text(), step)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			break
		}
	}
	fmt.Fprintln(s.out)
	return scanner.Err()
}

// exec runs one command line. Errors are reported, not fatal.
func (s *session) exec(ctx context.Context, line string, step time.Duration) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil

	case "help":
		fmt.Fprintln(s.out, replHelp)

	case "tick":
		n := 1
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return false, fmt.Errorf("tick count %q", args[0])
			}
			n = v
		}
		for i := 0; i < n; i++ {
			effects, err := s.tick(ctx, step)
			s.printEffects(effects)
			if err != nil {
				return false, err
			}
		}

	case "arrive", "leave":
		if len(args) == 0 {
			return false, fmt.Errorf("%s needs at least one npc", cmd)
		}
		for _, id := range args {
			if cmd == "arrive" {
				s.present[id] = true
			} else {
				delete(s.present, id)
			}
		}
		fmt.Fprintf(s.out, "present: %s\n", strings.Join(s.presentIDs(), ", "))

	case "seed":
		if len(args) < 2 {
			return false, errors.New("usage: seed <type> <npc>...")
		}
		tt := story.ThreadType(args[0])
		if !tt.Valid() {
			return false, fmt.Errorf("unknown thread type %q", args[0])
		}
		s.seeds = append(s.seeds, orchestrator.InputEvent{
			Kind: orchestrator.InputSeed,
			Seed: &orchestrator.SeedEvent{Type: tt, NPCs: args[1:]},
		})
		fmt.Fprintf(s.out, "%s thread queued for next tick\n", tt)

	case "threads":
		for _, th := range s.orch.GetActiveThreads() {
			fmt.Fprintf(s.out, "%-36s  %-13s  %-8s  tension=%.2f  priority=%.2f  [%s]\n",
				th.ID, th.Type, th.Stage, th.Tension, th.Priority, strings.Join(th.Participants, ", "))
		}
		fmt.Fprintf(s.out, "global tension %.3f\n", s.orch.GlobalTension())

	case "npc":
		if len(args) != 1 {
			return false, errors.New("usage: npc <id>")
		}
		nc := s.orch.GetNarrativeContextForNPC(args[0])
		for _, th := range nc.ActiveThreads {
			fmt.Fprintf(s.out, "thread %s (%s, %s)\n", th.ID, th.Type, th.Stage)
		}
		for _, m := range nc.RecentMoments {
			text := m.Text
			if text == "" {
				text = m.TemplateID
			}
			fmt.Fprintf(s.out, "  %s  %s\n", m.At.Format("15:04"), text)
		}

	case "climaxes":
		for _, m := range s.orch.ScheduledClimaxes() {
			fmt.Fprintf(s.out, "%s at %s (rescheduled=%t)\n", m.ThreadID, m.At.Format(time.RFC3339), m.Rescheduled)
		}

	case "save":
		rec, err := s.save(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "saved %s at tick %d\n", rec.VersionID, rec.Tick)

	case "rollback":
		if len(args) != 1 {
			return false, errors.New("usage: rollback <version>")
		}
		if err := s.rollback(args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "rolled back to tick %d\n", s.orch.Tick())

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func (s *session) printEffects(effects []orchestrator.NarrativeEffect) {
	fmt.Fprintf(s.out, "-- tick %d  %s\n", s.orch.Tick(), s.clock.Format("Jan 2 15:04"))
	for _, e := range effects {
		s.log.Debug("effect", zap.String("kind", string(e.Kind)), zap.String("thread", e.ThreadID))
		switch e.Kind {
		case orchestrator.EffectBeatApplied, orchestrator.EffectClimax:
			fmt.Fprintf(s.out, "   %-20s %s  %s -> %s\n", e.Kind, e.Payload["template"], e.Payload["from"], e.Payload["to"])
		case orchestrator.EffectAtmosphereHint:
			if text := e.Payload["text"]; text != "" {
				fmt.Fprintf(s.out, "   %s\n", text)
				continue
			}
			fmt.Fprintf(s.out, "   %-20s %s\n", e.Kind, e.Payload["hint"])
		case orchestrator.EffectError:
			fmt.Fprintf(s.out, "   %-20s %s\n", e.Kind, e.Payload["error"])
		default:
			fmt.Fprintf(s.out, "   %-20s %s\n", e.Kind, e.ThreadID)
		}
	}
}

// #endregion repl
