// Package server holds the two halves of the pipeline: the worker
// that executes download and render jobs from the queue, and the
// planner that produces them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/geo"
	"github.com/tilezen/joerd/internal/output"
	"github.com/tilezen/joerd/internal/queue"
	"github.com/tilezen/joerd/internal/source"
	"github.com/tilezen/joerd/internal/store"
)

// Sentinel job error kinds. The message handler wraps job failures in
// these so the log line names the failing stage.
var (
	ErrDownloadFailed = errors.New("download failed")
	ErrUnpackFailed   = errors.New("unpack failed")
	ErrMissingInput   = errors.New("missing render input")
	ErrOutOfSpace     = errors.New("out of disk space")
)

// Config wires the pipeline components. Shared by the worker and the
// planner.
type Config struct {
	Regions     []geo.Region
	Sources     []source.Source
	Outputs     []output.Output
	Store       store.Store
	SourceStore store.Store

	// FreeSpace, when positive, turns on the disk-reclaim policy:
	// before each download the worker deletes unreferenced source
	// blobs until this many bytes are free.
	FreeSpace int64

	// MaxBatchLen caps messages per queue send call during planning.
	// Zero means the queue default.
	MaxBatchLen int

	Log *slog.Logger
}

func (c Config) maxBatchLen() int {
	if c.MaxBatchLen > 0 {
		return c.MaxBatchLen
	}
	return queue.DefaultMaxBatchLen
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Server is the worker: it pulls messages off the queue and executes
// their jobs one at a time.
type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: cfg.logger().With("component", "server")}
}

// receiveIdleWait is the pause after an empty or failed receive.
const receiveIdleWait = 5 * time.Second

// Run is the worker loop: receive, handle, ack on success. A failed
// message is left alone so the queue redelivers it after its
// visibility timeout.
func (s *Server) Run(ctx context.Context, q queue.Queue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := q.ReceiveMessages()
		if err != nil {
			s.log.Warn("receive failed", "error", err)
			sleepCtx(ctx, receiveIdleWait)
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, receiveIdleWait)
			continue
		}

		for _, m := range msgs {
			if err := s.Handle(ctx, m.Body()); err != nil {
				s.log.Warn("message failed, leaving for redelivery",
					"error", fmt.Sprintf("%+v", err))
				continue
			}
			if err := m.Delete(); err != nil {
				s.log.Warn("failed to ack message", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handler adapts the server to the queue's synchronous dispatch
// callback, used by the in-process queue implementations.
func (s *Server) Handler(ctx context.Context) queue.Handler {
	return func(body []byte) error {
		return s.Handle(ctx, body)
	}
}

// Handle runs every job in one message body. The first failing job
// fails the whole message; there is no partial acknowledgement.
func (s *Server) Handle(ctx context.Context, body []byte) error {
	jobs, err := queue.DecodeMessage(body)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.runJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runJob(ctx context.Context, job queue.Job) error {
	switch job.Job {
	case "download":
		data, err := decodeTileData(job.Data)
		if err != nil {
			return err
		}
		return s.runDownload(ctx, data)

	case "render":
		data, err := decodeTileData(job.Data)
		if err != nil {
			return err
		}
		return s.runRender(data, job.Sources)

	case "renderbatch":
		// Expanded into single renders sharing the sources set. A
		// partial failure leaves the whole message unacked, so the
		// batch is redelivered whole.
		var tiles []map[string]any
		if err := json.Unmarshal(job.Data, &tiles); err != nil {
			return fmt.Errorf("decode renderbatch: %w", err)
		}
		for _, data := range tiles {
			if err := s.runRender(data, job.Sources); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown job type %q", job.Job)
	}
}

func decodeTileData(raw json.RawMessage) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return data, nil
}

// runDownload fetches every URL of the frozen source tile, unpacks
// into the source store, and verifies the canonical file landed.
func (s *Server) runDownload(ctx context.Context, data map[string]any) error {
	tile, err := source.Rehydrate(s.cfg.Sources, data)
	if err != nil {
		return err
	}
	s.log.Debug("downloading", "tile", tile.Key())

	if err := s.reclaimDisk(tile); err != nil {
		return err
	}

	var tmps []*download.Temp
	defer func() {
		for _, t := range tmps {
			t.Close()
		}
	}()
	for _, u := range tile.URLs() {
		tmp, err := download.Get(ctx, u, tile.Options())
		if err != nil {
			return errors.Wrapf(ErrDownloadFailed, "%s: %v", tile.Key(), err)
		}
		tmps = append(tmps, tmp)
	}

	if err := tile.Unpack(s.cfg.SourceStore, tmps...); err != nil {
		return errors.Wrapf(ErrUnpackFailed, "%s: %v", tile.Key(), err)
	}
	if !s.cfg.SourceStore.Exists(tile.OutputFile()) {
		return errors.Wrapf(ErrUnpackFailed,
			"%s: unpack did not produce %s", tile.Key(), tile.OutputFile())
	}
	return nil
}

// reclaimDisk deletes source blobs not referenced by the current job,
// in list order, until the configured space is free. Off unless
// FreeSpace is set and the store's blobs live on reclaimable disk.
func (s *Server) reclaimDisk(tile source.Tile) error {
	if s.cfg.FreeSpace <= 0 {
		return nil
	}
	rc, ok := s.cfg.SourceStore.(store.Reclaimer)
	if !ok {
		return nil
	}

	free, err := rc.FreeBytes()
	if err != nil || free >= s.cfg.FreeSpace {
		return err
	}

	paths, err := rc.List()
	if err != nil {
		return err
	}
	keep := tile.OutputFile()
	for _, path := range paths {
		if path == keep {
			continue
		}
		if err := rc.Delete(path); err != nil {
			s.log.Warn("failed to reclaim", "path", path, "error", err)
			continue
		}
		s.log.Info("reclaimed source blob", "path", path)
		if free, err = rc.FreeBytes(); err != nil {
			return err
		}
		if free >= s.cfg.FreeSpace {
			return nil
		}
	}
	return errors.Wrapf(ErrOutOfSpace, "%d bytes free, want %d", free, s.cfg.FreeSpace)
}

// MockSource wraps a configured source, overriding only the VRT
// lookup to return paths already localized on the worker. Rendering
// is thereby decoupled from the source's canonical store layout.
type MockSource struct {
	source.Source
	vrts [][]string
}

func NewMockSource(src source.Source, vrts [][]string) *MockSource {
	return &MockSource{Source: src, vrts: vrts}
}

func (m *MockSource) VRTsFor(composite.Tile) ([][]string, error) {
	return m.vrts, nil
}

// runRender rehydrates the product tile, localizes every input
// raster, renders into a scratch directory, and uploads the products.
func (s *Server) runRender(data map[string]any, rsrcs []queue.RenderSource) error {
	if len(rsrcs) == 0 {
		return errors.Wrapf(ErrMissingInput, "render job %v has no sources", data)
	}
	tile, err := output.Rehydrate(s.cfg.Outputs, data)
	if err != nil {
		return err
	}
	s.log.Debug("rendering", "tile", tile.TileName())

	tmpDir, err := os.MkdirTemp("", "joerd-render-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	var mocks []composite.Source
	for _, rs := range rsrcs {
		src, err := source.FindSource(s.cfg.Sources, rs.Source)
		if err != nil {
			return err
		}
		vrts, err := s.localizeVRTs(filepath.Join(tmpDir, "inputs"), rs.Vrts)
		if err != nil {
			return err
		}
		if len(vrts) > 0 {
			mocks = append(mocks, NewMockSource(src, vrts))
		}
	}
	tile.SetSources(mocks)

	outDir := filepath.Join(tmpDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	if err := tile.Render(outDir); err != nil {
		return errors.Wrapf(err, "render %s", tile.TileName())
	}
	return s.cfg.Store.UploadAll(outDir)
}

// localizeVRTs fetches every referenced store path under dir,
// preserving the group structure. Empty groups are dropped.
func (s *Server) localizeVRTs(dir string, groups [][]string) ([][]string, error) {
	var vrts [][]string
	for _, group := range groups {
		var local []string
		for _, path := range group {
			localPath := filepath.Join(dir, path)
			if err := s.cfg.SourceStore.Get(path, localPath); err != nil {
				return nil, errors.Wrapf(ErrMissingInput, "%s: %v", path, err)
			}
			local = append(local, localPath)
		}
		if len(local) > 0 {
			vrts = append(vrts, local)
		}
	}
	return vrts, nil
}
