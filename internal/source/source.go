// Package source holds the dataset plugins. A source knows how to
// enumerate its upstream catalog, which files cover a given render
// tile, how to fetch and verify them, and how to canonicalize raw
// downloads into GeoTIFFs under the source store.
package source

import (
	"fmt"
	"sort"

	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/download"
	"github.com/tilezen/joerd/internal/store"
)

// Tile is a downloadable unit of one source: a single upstream file
// (plus any auxiliary masks) that unpacks into one canonical raster.
type Tile interface {
	// Key identifies the tile within its source; equal keys mean equal
	// tiles.
	Key() string
	// URLs lists what to fetch. The first entry is the data file;
	// later entries are auxiliary files (e.g. water masks) handed to
	// Unpack in the same order.
	URLs() []string
	Options() download.Options
	// OutputFile is the canonical path inside the source store.
	OutputFile() string
	// Unpack turns the downloaded temp files into the canonical raster
	// at OutputFile. It must be idempotent.
	Unpack(s store.Store, tmps ...*download.Temp) error
	// FreezeDry reduces the tile to a plain JSON-shaped value carrying
	// a "type" discriminator, for the job payload.
	FreezeDry() map[string]any
}

// Source is a dataset plugin. The composite-facing methods are used at
// render time; the rest drive planning and downloads.
type Source interface {
	composite.Source

	Name() string
	// GetIndex idempotently ensures a fresh local index. Static
	// catalogs no-op.
	GetIndex() error
	// DownloadsFor returns the tiles needed to cover the render tile's
	// buffered bbox, or nothing when the render is too coarse for this
	// source to matter.
	DownloadsFor(t composite.Tile) ([]Tile, error)
	// Rehydrate is the inverse of Tile.FreezeDry.
	Rehydrate(data map[string]any) (Tile, error)
	// ExistingFiles lists store paths this source may have written,
	// for the disk reclaimer.
	ExistingFiles() []string
}

// Factory builds a source from its configuration options.
type Factory func(options map[string]any) (Source, error)

var registry = map[string]Factory{}

func Register(typ string, f Factory) {
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("source type %q registered twice", typ))
	}
	registry[typ] = f
}

// Create instantiates the source named by options["type"].
func Create(options map[string]any) (Source, error) {
	typ, _ := options["type"].(string)
	f := registry[typ]
	if f == nil {
		return nil, fmt.Errorf("unknown source type %q (have %v)", typ, Types())
	}
	return f(options)
}

func Types() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Rehydrate routes a frozen tile to the source named by its "type"
// field.
func Rehydrate(sources []Source, data map[string]any) (Tile, error) {
	typ, _ := data["type"].(string)
	for _, s := range sources {
		if s.Name() == typ {
			return s.Rehydrate(data)
		}
	}
	return nil, fmt.Errorf("no source %q to rehydrate %v", typ, data)
}

// FindSource returns the configured source with the given name.
func FindSource(sources []Source, name string) (Source, error) {
	for _, s := range sources {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no source named %q", name)
}

// dedupe keeps the first tile per key, preserving order.
func dedupe(tiles []Tile) []Tile {
	seen := map[string]bool{}
	out := tiles[:0]
	for _, t := range tiles {
		if !seen[t.Key()] {
			seen[t.Key()] = true
			out = append(out, t)
		}
	}
	return out
}

// outputFiles maps tiles to their store paths.
func outputFiles(tiles []Tile) []string {
	paths := make([]string, len(tiles))
	for i, t := range tiles {
		paths[i] = t.OutputFile()
	}
	return paths
}
