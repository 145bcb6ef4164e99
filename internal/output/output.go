// Package output holds the product plugins: terrarium and normal
// Web-Mercator PNG tiles and Skadi 1°x1° HGT cells. An output
// enumerates the tiles covering the configured regions, expands a
// region into the concrete extents download planning intersects with
// the sources, and renders single tiles on the worker.
package output

import (
	"fmt"
	"sort"

	"github.com/tilezen/joerd/internal/composite"
	"github.com/tilezen/joerd/internal/geo"
)

// Tile is one renderable product tile. It satisfies composite.Tile so
// the compositor and the sources can intersect it directly. Sources
// are injected by the worker after rehydration, before Render.
type Tile interface {
	composite.Tile
	TileName() string
	FreezeDry() map[string]any
	SetSources(sources []composite.Source)
	Render(tmpDir string) error
}

// Output is a product plugin bound to a set of regions.
type Output interface {
	Name() string

	// GenerateTiles enumerates every tile of this product covering
	// the regions, deduplicated.
	GenerateTiles() []Tile

	// ExpandTile translates a region into the spatial+resolution
	// extents that source downloads are planned against.
	ExpandTile(bbox geo.BoundingBox, zr geo.ZoomRange) []Extent

	// Rehydrate reverses Tile.FreezeDry.
	Rehydrate(data map[string]any) (Tile, error)
}

// Extent is a bbox with the ground resolution a product wants over
// it. It satisfies composite.Tile so sources can prune and intersect
// it the same way they do a concrete tile.
type Extent struct {
	bbox geo.BoundingBox
	res  float64
}

func NewExtent(bbox geo.BoundingBox, res float64) Extent {
	return Extent{bbox: bbox, res: res}
}

func (e Extent) LatLonBbox() geo.BoundingBox { return e.bbox }
func (e Extent) MaxResolution() float64      { return e.res }

// Factory builds an output from its configured regions and the
// plugin-specific options map.
type Factory func(regions []geo.Region, options map[string]any) (Output, error)

var registry = map[string]Factory{}

func Register(name string, f Factory) {
	registry[name] = f
}

func Create(name string, regions []geo.Region, options map[string]any) (Output, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown output type %q (have %v)", name, Types())
	}
	return f(regions, options)
}

func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rehydrate routes a frozen tile to the output that froze it, keyed
// by the "type" discriminator.
func Rehydrate(outputs []Output, data map[string]any) (Tile, error) {
	typ, _ := data["type"].(string)
	for _, o := range outputs {
		if o.Name() == typ {
			return o.Rehydrate(data)
		}
	}
	return nil, fmt.Errorf("no output can rehydrate tile type %q", typ)
}

func errTileType(typ string, data map[string]any) error {
	return fmt.Errorf("cannot rehydrate %v as a %s tile", data, typ)
}

// tileInt accepts the numeric types JSON and YAML decoders produce.
func tileInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func optString(options map[string]any, key, fallback string) string {
	if s, ok := options[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func optBool(options map[string]any, key string, fallback bool) bool {
	if b, ok := options[key].(bool); ok {
		return b
	}
	return fallback
}
