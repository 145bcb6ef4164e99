package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tilezen/joerd/internal/config"
	"github.com/tilezen/joerd/internal/server"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "joerd",
	Short: "A global elevation tile production pipeline",
	Long: `Joerd ingests public elevation datasets (SRTM, GMTED, NED, ETOPO1,
Great Lakes bathymetry) and produces tiled elevation products: terrarium
RGB-encoded tiles, surface-normal tiles, and Skadi HGT cells.

Planning commands turn configured regions into download and render jobs
on a work queue; the server command runs a worker against that queue.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("JOERD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "error: cannot read config:", err)
		os.Exit(1)
	}
}

// loadConfig parses the document and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))
	return cfg, nil
}

// buildPipeline assembles every configured component into the shared
// wiring used by the worker and the planner.
func buildPipeline(cfg *config.Config) (server.Config, error) {
	regions := cfg.GeoRegions()
	sources, err := cfg.BuildSources()
	if err != nil {
		return server.Config{}, err
	}
	outputs, err := cfg.BuildOutputs(regions)
	if err != nil {
		return server.Config{}, err
	}
	st, err := cfg.BuildStore()
	if err != nil {
		return server.Config{}, err
	}
	srcStore, err := cfg.BuildSourceStore()
	if err != nil {
		return server.Config{}, err
	}

	return server.Config{
		Regions:     regions,
		Sources:     sources,
		Outputs:     outputs,
		Store:       st,
		SourceStore: srcStore,
		FreeSpace:   cfg.Cluster.FreeSpace,
		MaxBatchLen: cfg.MaxBatchLen(),
		Log:         slog.Default(),
	}, nil
}
