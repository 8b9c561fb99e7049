package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/narration"
)

var narratorListen string

var narratorCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Serve the OpenAI narrator over gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Narration.APIKey == "" {
			return errors.New("narration api key is not set (TAVERN_NARRATION_API_KEY)")
		}
		lis, err := net.Listen("tcp", narratorListen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", narratorListen, err)
		}

		n := narration.NewOpenAINarrator(cfg.Narration.APIKey, cfg.Narration.BaseURL, cfg.Narration.Model)
		srv := grpc.NewServer()
		narration.RegisterNarratorServer(srv, loggedNarrator(narration.WithRetry(n, logger.Named("narrator"))))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			srv.GracefulStop()
		}()

		logger.Info("narrator listening", zap.String("addr", lis.Addr().String()), zap.String("model", cfg.Narration.Model))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	},
}

func init() {
	narratorCmd.Flags().StringVar(&narratorListen, "listen", "127.0.0.1:50061", "gRPC listen address")
}

func loggedNarrator(n narration.Narrator) narration.Narrator {
	log := logger.Named("narrator")
	return narration.NarratorFunc(func(ctx context.Context, req narration.Request) (string, error) {
		text, err := n.Narrate(ctx, req)
		if err != nil {
			log.Warn("narrate failed", zap.String("request", req.ID), zap.Error(err))
			return "", err
		}
		log.Debug("narrated", zap.String("request", req.ID), zap.Int("chars", len(text)))
		return text, nil
	})
}
