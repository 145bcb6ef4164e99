package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tilezen/joerd/internal/config"
	"github.com/tilezen/joerd/internal/queue"
	"github.com/tilezen/joerd/internal/server"
)

var jobsFile string

// planQueue picks where planned jobs go: the NDJSON jobs file when
// --jobs-file is given, the configured cluster queue otherwise.
func planQueue(cfg *config.Config) (queue.Queue, error) {
	if jobsFile != "" {
		return queue.NewFileQueue(jobsFile), nil
	}
	return cfg.BuildQueue(nil)
}

func runPlanning(fn func(*server.Planner, queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wiring, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	q, err := planQueue(cfg)
	if err != nil {
		return err
	}
	return fn(server.NewPlanner(wiring), q)
}

var enqueueDownloadsCmd = &cobra.Command{
	Use:   "enqueue-downloads",
	Short: "Plan source downloads for the configured regions and enqueue them",
	Long: `Expands every region through every output into concrete extents,
intersects those with every source, and emits one download job per
needed source file. Set ` + server.SkipExistingEnv + ` to suppress jobs whose
canonical file is already in the source store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlanning(func(p *server.Planner, q queue.Queue) error {
			return p.EnqueueDownloads(q)
		})
	},
}

var enqueueRendersCmd = &cobra.Command{
	Use:   "enqueue-renders",
	Short: "Plan product tiles for the configured regions and enqueue them",
	Long: `Enumerates every product tile covering the regions and emits render
jobs, grouped by their contributing source set. Run this only after
the download jobs have drained: renders cannot fetch missing inputs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlanning(func(p *server.Planner, q queue.Queue) error {
			return p.EnqueueRenders(q)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{enqueueDownloadsCmd, enqueueRendersCmd} {
		c.Flags().StringVar(&jobsFile, "jobs-file", "",
			"write jobs to this NDJSON file instead of the configured queue")
		rootCmd.AddCommand(c)
	}
}
