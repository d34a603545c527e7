package pagesync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// fileBackend keeps the whole sealed map in one JSON file and rewrites it on
// every mutation. Writes go through a temp file and a rename so a crash never
// leaves half a map behind.
type fileBackend struct {
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (f *fileBackend) load() (map[string]string, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fileBackend) put(_, _ string, all map[string]string) error {
	return f.write(all)
}

func (f *fileBackend) delete(_ []string, all map[string]string) error {
	return f.write(all)
}

func (f *fileBackend) write(all map[string]string) error {
	b, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".app-storage-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *fileBackend) reset() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *fileBackend) close() error { return nil }
