package blobstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// localStore writes objects under a root directory, mirroring object
// paths as file paths. Used for offline runs and tests.
type localStore struct {
	root string
}

// NewLocal creates a Store rooted at dir.
func NewLocal(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blobstore: create root %s", dir)
	}
	return &localStore{root: dir}, nil
}

func (s *localStore) Upload(_ context.Context, path string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return eris.Wrapf(err, "blobstore: mkdir for %s", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return eris.Wrapf(err, "blobstore: write %s", path)
	}
	return nil
}

func (s *localStore) List(_ context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: list %s", prefix)
	}
	return paths, nil
}

func (s *localStore) Download(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: read %s", path)
	}
	return data, nil
}
