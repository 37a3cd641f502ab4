// Package storage persists the last calibration result on the local filesystem.
package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileStore implements ports.ResultStore as a single YAML document
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store writes to
func (s *FileStore) Path() string { return s.path }

// Exists checks if a result has been saved
func (s *FileStore) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.StorageError("stat "+s.path, err)
	}
	return true, nil
}

// Save writes r to a temporary file in the same directory and renames it over
// the previous result, so a reader never sees a partial document.
func (s *FileStore) Save(ctx context.Context, r model.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&r)
	if err != nil {
		return pkgerrors.StorageError("encode result", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.StorageError("create "+dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return pkgerrors.StorageError("create temp file", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return pkgerrors.StorageError("write "+tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return pkgerrors.StorageError("close "+tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return pkgerrors.StorageError("replace "+s.path, err)
	}
	return nil
}

// Load reads the saved result. ok is false when nothing has been saved yet.
func (s *FileStore) Load(ctx context.Context) (model.Result, bool, error) {
	var r model.Result
	if err := ctx.Err(); err != nil {
		return r, false, err
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return r, false, nil
	}
	if err != nil {
		return r, false, pkgerrors.StorageError("read "+s.path, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, false, pkgerrors.StorageError("decode "+s.path, err)
	}
	return r, true, nil
}

// Remove deletes the saved result; removing a missing file is not an error
func (s *FileStore) Remove(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.StorageError("remove "+s.path, err)
	}
	return nil
}
