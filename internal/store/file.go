package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

func init() {
	Register("file", func(options map[string]any) (Store, error) {
		return NewFileStore(optString(options, "base_dir", ".")), nil
	})
}

// FileStore keeps blobs under a base directory on the local
// filesystem.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) Exists(path string) bool {
	info, err := os.Stat(filepath.Join(s.baseDir, path))
	return err == nil && info.Mode().IsRegular()
}

// Get copies the blob to localPath via a sibling temp file and rename,
// so a partially copied file is never observed at localPath.
func (s *FileStore) Get(path, localPath string) error {
	src, err := os.Open(filepath.Join(s.baseDir, path))
	if err != nil {
		return fmt.Errorf("store get %s: %w", path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".joerd-get-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("store get %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

func (s *FileStore) UploadAll(localDir string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(s.baseDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyFile(p, dst)
	})
}

// FreeBytes reports the space left on the filesystem holding the
// store.
func (s *FileStore) FreeBytes() (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.baseDir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.baseDir, err)
	}
	return int64(st.Bavail) * st.Bsize, nil
}

// List walks the store and returns every blob path, relative to the
// base directory.
func (s *FileStore) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return paths, err
}

func (s *FileStore) Delete(path string) error {
	err := os.Remove(filepath.Join(s.baseDir, path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
