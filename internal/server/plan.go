package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tilezen/joerd/internal/output"
	"github.com/tilezen/joerd/internal/queue"
	"github.com/tilezen/joerd/internal/source"
)

// SkipExistingEnv suppresses download jobs whose canonical file is
// already in the source store.
const SkipExistingEnv = "SKIP_EXISTING"

// Planner turns regions into download and render jobs. Render
// planning assumes download planning has already drained: renders
// cannot fetch missing inputs themselves.
type Planner struct {
	cfg Config
	log *slog.Logger
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg, log: cfg.logger().With("component", "planner")}
}

// ListDownloads expands every region through every output and
// intersects the resulting extents with every source, deduplicated by
// tile key.
func (p *Planner) ListDownloads() ([]source.Tile, error) {
	for _, s := range p.cfg.Sources {
		if err := s.GetIndex(); err != nil {
			return nil, fmt.Errorf("index for %s: %w", s.Name(), err)
		}
	}

	var extents []output.Extent
	for _, r := range p.cfg.Regions {
		for _, o := range p.cfg.Outputs {
			extents = append(extents, o.ExpandTile(r.BBox, r.ZoomRange)...)
		}
	}

	seen := map[string]bool{}
	var downloads []source.Tile
	for _, e := range extents {
		for _, s := range p.cfg.Sources {
			tiles, err := s.DownloadsFor(e)
			if err != nil {
				return nil, fmt.Errorf("downloads for %s: %w", s.Name(), err)
			}
			for _, t := range tiles {
				if !seen[t.Key()] {
					seen[t.Key()] = true
					downloads = append(downloads, t)
				}
			}
		}
	}
	p.log.Info("planned downloads", "count", len(downloads))
	return downloads, nil
}

// EnqueueDownloads emits one download job per needed source tile, one
// job per message.
func (p *Planner) EnqueueDownloads(q queue.Queue) error {
	downloads, err := p.ListDownloads()
	if err != nil {
		return err
	}

	skipExisting := os.Getenv(SkipExistingEnv) != ""
	d := queue.NewDispatcher(q, p.cfg.maxBatchLen(), p.log)
	for _, t := range downloads {
		if skipExisting && p.cfg.SourceStore.Exists(t.OutputFile()) {
			continue
		}
		data, err := json.Marshal(t.FreezeDry())
		if err != nil {
			return err
		}
		d.Append(queue.Job{Job: "download", Data: data})
	}
	d.Flush()
	return nil
}

// EnqueueRenders enumerates every product tile, records which sources
// contribute inputs, and feeds the jobs through the grouping
// dispatcher so tiles sharing a sources set batch together.
func (p *Planner) EnqueueRenders(q queue.Queue) error {
	for _, s := range p.cfg.Sources {
		if err := s.GetIndex(); err != nil {
			return fmt.Errorf("index for %s: %w", s.Name(), err)
		}
	}

	g := queue.NewGroupingDispatcher(q, p.cfg.maxBatchLen(), p.log, queue.MaxMessageBytes)
	for _, o := range p.cfg.Outputs {
		for _, t := range o.GenerateTiles() {
			rsrcs, err := p.renderSources(t)
			if err != nil {
				return err
			}
			data, err := json.Marshal(t.FreezeDry())
			if err != nil {
				return err
			}
			g.Append(queue.Job{Job: "render", Data: data, Sources: rsrcs})
		}
	}
	g.Flush()
	return nil
}

// renderSources lists the per-source VRT groups covering a tile, in
// configuration order (least detailed first). A tile no source covers
// is a planning error.
func (p *Planner) renderSources(t output.Tile) ([]queue.RenderSource, error) {
	var rsrcs []queue.RenderSource
	for _, s := range p.cfg.Sources {
		vrts, err := s.VRTsFor(t)
		if err != nil {
			return nil, fmt.Errorf("vrts for %s: %w", s.Name(), err)
		}
		if len(vrts) > 0 {
			rsrcs = append(rsrcs, queue.RenderSource{Source: s.Name(), Vrts: vrts})
		}
	}
	if len(rsrcs) == 0 {
		return nil, fmt.Errorf("tile %s has no contributing sources", t.TileName())
	}
	return rsrcs, nil
}
