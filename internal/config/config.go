// Package config loads the pipeline configuration document and builds
// the configured plugins from it.
package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/output"
	"github.com/tilezen/joerd/internal/queue"
	"github.com/tilezen/joerd/internal/source"
	"github.com/tilezen/joerd/internal/store"
)

// ErrConfig wraps fatal configuration problems. It is never caught:
// the process exits nonzero on it.
var ErrConfig = errors.New("configuration error")

type Config struct {
	Regions     map[string]Region `mapstructure:"regions"`
	Sources     []map[string]any  `mapstructure:"sources"`
	Outputs     []map[string]any  `mapstructure:"outputs"`
	Store       map[string]any    `mapstructure:"store"`
	SourceStore map[string]any    `mapstructure:"source_store"`
	Cluster     Cluster           `mapstructure:"cluster"`
	Logging     Logging           `mapstructure:"logging"`
}

// Region pairs a geographic extent with a half-open zoom range.
type Region struct {
	BBox      BBox  `mapstructure:"bbox"`
	ZoomRange []int `mapstructure:"zoom_range"`
}

type BBox struct {
	Left   float64 `mapstructure:"left"`
	Bottom float64 `mapstructure:"bottom"`
	Right  float64 `mapstructure:"right"`
	Top    float64 `mapstructure:"top"`
}

type Cluster struct {
	Queue map[string]any `mapstructure:"queue"`

	// BlockSize caps the number of messages per queue send call.
	BlockSize int `mapstructure:"block_size"`

	// FreeSpace, in bytes, enables the worker's disk-reclaim policy
	// when positive.
	FreeSpace int64 `mapstructure:"free_space"`
}

type Logging struct {
	Level string `mapstructure:"level"`
}

// Load unmarshals an already-read viper into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(ErrConfig, "unmarshal: %v", err)
	}
	for name, r := range cfg.Regions {
		if len(r.ZoomRange) != 2 || r.ZoomRange[0] > r.ZoomRange[1] {
			return nil, errors.Wrapf(ErrConfig,
				"region %q needs a zoom_range [min, max], got %v", name, r.ZoomRange)
		}
	}
	return &cfg, nil
}

// GeoRegions converts the configured regions, in stable name order.
func (c *Config) GeoRegions() []geo.Region {
	names := make([]string, 0, len(c.Regions))
	for name := range c.Regions {
		names = append(names, name)
	}
	sort.Strings(names)

	regions := make([]geo.Region, 0, len(names))
	for _, name := range names {
		r := c.Regions[name]
		regions = append(regions, geo.Region{
			BBox:      geo.NewBoundingBox(r.BBox.Left, r.BBox.Bottom, r.BBox.Right, r.BBox.Top),
			ZoomRange: geo.ZoomRange{Min: r.ZoomRange[0], Max: r.ZoomRange[1]},
		})
	}
	return regions
}

// BuildSources instantiates every configured source, in document
// order (the compositing order, least detailed first).
func (c *Config) BuildSources() ([]source.Source, error) {
	sources := make([]source.Source, 0, len(c.Sources))
	for _, opts := range c.Sources {
		s, err := source.Create(opts)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "source: %v", err)
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func (c *Config) BuildOutputs(regions []geo.Region) ([]output.Output, error) {
	outputs := make([]output.Output, 0, len(c.Outputs))
	for _, opts := range c.Outputs {
		typ, _ := opts["type"].(string)
		o, err := output.Create(typ, regions, opts)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "output: %v", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, nil
}

func (c *Config) BuildStore() (store.Store, error) {
	s, err := store.Create(c.Store)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "store: %v", err)
	}
	return s, nil
}

func (c *Config) BuildSourceStore() (store.Store, error) {
	s, err := store.Create(c.SourceStore)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "source_store: %v", err)
	}
	return s, nil
}

func (c *Config) BuildQueue(h queue.Handler) (queue.Queue, error) {
	if len(c.Cluster.Queue) == 0 {
		return nil, errors.Wrap(ErrConfig, "cluster.queue is not configured")
	}
	q, err := queue.Create(c.Cluster.Queue, h)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "cluster.queue: %v", err)
	}
	return q, nil
}

// MaxBatchLen is the configured per-send message cap, defaulting to
// the queue package's limit.
func (c *Config) MaxBatchLen() int {
	if c.Cluster.BlockSize > 0 {
		return c.Cluster.BlockSize
	}
	return queue.DefaultMaxBatchLen
}

// LogLevel parses logging.level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String renders a short summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("config{regions: %d, sources: %d, outputs: %d}",
		len(c.Regions), len(c.Sources), len(c.Outputs))
}
