package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tilezen/joerd/internal/queue"
	"github.com/tilezen/joerd/internal/server"
	"github.com/tilezen/joerd/internal/worker"
)

var processWorkers int

// processCmd is the single-machine mode: plan and execute everything
// locally, downloads first, then renders, without a hosted queue.
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Plan and execute the whole pipeline on this machine",
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

		tmpDir, err := os.MkdirTemp("", "joerd-jobs-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)

		p := server.NewPlanner(wiring)
		s := server.New(wiring)
		pool := worker.New(worker.Config{
			Workers: processWorkers,
			Handler: s.Handler(ctx),
		})

		phases := []struct {
			name    string
			enqueue func(queue.Queue) error
		}{
			{"downloads", p.EnqueueDownloads},
			{"renders", p.EnqueueRenders},
		}
		for _, phase := range phases {
			q := queue.NewFileQueue(filepath.Join(tmpDir, phase.name+".ndjson"))
			if err := phase.enqueue(q); err != nil {
				return err
			}
			if failed, err := drainLocally(ctx, pool, q); err != nil {
				return err
			} else if failed > 0 {
				return fmt.Errorf("%d %s jobs failed", failed, phase.name)
			}
		}
		return nil
	},
}

// drainLocally pulls every message off the queue and runs them
// through the pool, reporting progress on stderr.
func drainLocally(ctx context.Context, pool *worker.Pool, q queue.Queue) (int, error) {
	var bodies [][]byte
	for {
		msgs, err := q.ReceiveMessages()
		if err != nil {
			return 0, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			bodies = append(bodies, m.Body())
		}
	}

	progress := worker.NewProgress(len(bodies), true)
	pool.OnProgress(progress.Callback())
	results := pool.Run(ctx, bodies)
	progress.Done()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	return failed, nil
}

func init() {
	processCmd.Flags().IntVar(&processWorkers, "workers", runtime.NumCPU(),
		"number of jobs to run in parallel")
	rootCmd.AddCommand(processCmd)
}
