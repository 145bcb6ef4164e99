package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

func init() {
	Register("mbtiles", func(options map[string]any) (Store, error) {
		path, _ := options["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("mbtiles store needs path")
		}
		return NewMBTilesStore(path, optString(options, "format", "png"))
	})
}

// MBTilesStore lands Mercator product tiles in an MBTiles database
// instead of a tile tree. Only z/x/y-shaped upload paths are stored;
// it is an output store, not a source store. Rows use the TMS flip
// required by the MBTiles schema.
type MBTilesStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewMBTilesStore(path, format string) (*MBTilesStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("mbtiles pragma %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS tile_index
			ON tiles (zoom_level, tile_column, tile_row);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR REPLACE INTO metadata (name, value) VALUES ('format', ?)`,
		format); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles metadata: %w", err)
	}

	return &MBTilesStore{db: db}, nil
}

// parseTilePath extracts (z, x, y) from "{product}/{z}/{x}/{y}.{ext}".
func parseTilePath(p string) (z, x, y int, ok bool) {
	parts := strings.Split(filepath.ToSlash(p), "/")
	if len(parts) < 3 {
		return 0, 0, 0, false
	}
	parts = parts[len(parts)-3:]

	base := parts[2]
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}

	var err error
	if z, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if x, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if y, err = strconv.Atoi(base); err != nil {
		return 0, 0, 0, false
	}
	return z, x, y, true
}

func tmsRow(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

func (s *MBTilesStore) Exists(p string) bool {
	z, x, y, ok := parseTilePath(p)
	if !ok {
		return false
	}
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, tmsRow(z, y)).Scan(&one)
	if err == nil {
		return true
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Warn("mbtiles query failed, treating as absent",
			"path", p, "error", err)
	}
	return false
}

func (s *MBTilesStore) Get(p, localPath string) error {
	z, x, y, ok := parseTilePath(p)
	if !ok {
		return fmt.Errorf("mbtiles get: %q is not a tile path", p)
	}
	var data []byte
	err := s.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, tmsRow(z, y)).Scan(&data)
	if err != nil {
		return fmt.Errorf("mbtiles get %s: %w", p, err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *MBTilesStore) UploadAll(localDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		z, x, y, ok := parseTilePath(rel)
		if !ok {
			// not a Mercator tile; nothing sensible to do with it here
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(z, x, tmsRow(z, y), data)
		return err
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MBTilesStore) Close() error { return s.db.Close() }
