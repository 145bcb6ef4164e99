package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tilezen/joerd/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the worker loop against the configured queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		wiring, err := buildPipeline(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s := server.New(wiring)
		q, err := cfg.BuildQueue(s.Handler(ctx))
		if err != nil {
			return err
		}
		if err := s.Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
