// Package store abstracts path-addressed blob storage, used both for
// canonicalized source rasters and for finished product tiles.
package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is path-addressed blob storage.
type Store interface {
	// Exists reports whether a blob is present. It never fails:
	// transient errors read as "absent".
	Exists(path string) bool
	// Get atomically makes the blob available at localPath.
	Get(path, localPath string) error
	// UploadAll recursively uploads everything beneath localDir,
	// preserving relative paths.
	UploadAll(localDir string) error
}

// Reclaimer is implemented by stores whose blobs occupy reclaimable
// local disk. The worker's disk-reclaim policy deletes unreferenced
// blobs through it when space runs low.
type Reclaimer interface {
	// FreeBytes reports the space available to new blobs.
	FreeBytes() (int64, error)
	// List returns every stored blob path.
	List() ([]string, error)
	// Delete removes one blob. Deleting an absent blob is not an
	// error.
	Delete(path string) error
}

// mimeTypes maps upload extensions to content types, so that a bucket
// served as a website repeats them back on tile requests.
var mimeTypes = map[string]string{
	".png": "image/png",
	".tif": "image/tif",
	".xml": "application/xml",
	".gz":  "application/x-gzip",
}

// MimeType returns the content type for an uploaded file, or "".
func MimeType(name string) string {
	return mimeTypes[filepath.Ext(name)]
}

// Factory builds a store from its config options.
type Factory func(options map[string]any) (Store, error)

var registry = map[string]Factory{}

// Register installs a store factory under a type name. Called from
// package init; a duplicate name is a programming error.
func Register(typ string, f Factory) {
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("store type %q registered twice", typ))
	}
	registry[typ] = f
}

// Create builds the store named by cfg["type"].
func Create(options map[string]any) (Store, error) {
	typ, _ := options["type"].(string)
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown store type %q", typ)
	}
	return f(options)
}

// UploadDir is the scoped form of UploadAll: it hands fn a fresh
// temporary directory and uploads its contents only if fn succeeds.
// The directory is removed either way.
func UploadDir(s Store, fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", "joerd-upload-")
	if err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := fn(dir); err != nil {
		return err
	}
	return s.UploadAll(dir)
}

func optString(m map[string]any, key, dflt string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return dflt
}
