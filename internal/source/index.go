package source

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
	"gopkg.in/yaml.v3"

	"github.com/tilezen/joerd/internal/geo"
)

// IndexTTL is how long a downloaded catalog listing stays fresh.
const IndexTTL = 24 * time.Hour

// EnsureIndex makes sure the YAML index file at path exists and is
// newer than the TTL, calling fetch to list the upstream catalog when
// it is not. The file holds a flat list of upstream file names.
func EnsureIndex(path string, fetch func() ([]string, error)) error {
	if st, err := os.Stat(path); err == nil && time.Since(st.ModTime()) < IndexTTL {
		return nil
	}

	names, err := fetch()
	if err != nil {
		return fmt.Errorf("index %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(names)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadIndex loads the file-name list from a YAML index.
func ReadIndex(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := yaml.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	return names, nil
}

type indexEntry struct {
	name string
	bbox geo.BoundingBox
}

func (e *indexEntry) Point() orb.Point {
	lon, lat := e.bbox.Center()
	return orb.Point{lon, lat}
}

// TileIndex answers "which catalog entries intersect this bbox" via a
// quadtree over entry centers. Names that parse fails on are dropped.
type TileIndex struct {
	qt   *quadtree.Quadtree
	span float64
	n    int
}

// NewTileIndex builds an index from catalog names. parse extracts the
// geographic extent of one name, returning ok=false for names that are
// not tiles of this source.
func NewTileIndex(names []string, parse func(string) (geo.BoundingBox, bool)) *TileIndex {
	ix := &TileIndex{
		qt: quadtree.New(orb.Bound{
			Min: orb.Point{-180, -90},
			Max: orb.Point{180, 90},
		}),
	}
	for _, name := range names {
		bbox, ok := parse(name)
		if !ok {
			continue
		}
		ix.qt.Add(&indexEntry{name: name, bbox: bbox})
		ix.span = max(ix.span,
			bbox.Right()-bbox.Left(), bbox.Top()-bbox.Bottom())
		ix.n++
	}
	return ix
}

func (ix *TileIndex) Len() int { return ix.n }

// Intersecting returns the names of entries whose bboxes intersect the
// query box, in no particular order. The quadtree holds entry centers,
// so the search bound is padded by the largest entry span before the
// exact bbox test.
func (ix *TileIndex) Intersecting(bbox geo.BoundingBox) []string {
	pad := bbox.Buffer(ix.span)
	ptrs := ix.qt.InBound(nil, pad.Bound())

	var names []string
	for _, p := range ptrs {
		e := p.(*indexEntry)
		if e.bbox.Intersects(bbox) {
			names = append(names, e.name)
		}
	}
	return names
}
