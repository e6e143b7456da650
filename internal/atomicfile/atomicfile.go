// Package atomicfile replaces files by writing a sibling temp file and
// renaming it over the target, so a failed or cancelled write never leaves a
// partially written component behind.
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// File is a pending replacement of a file on disk.
type File interface {
	io.WriteCloser
	// Commit renames the temp file over the target. Close after Commit is a no-op.
	Commit() error
}

type atomicFile struct {
	name     string
	mode     os.FileMode
	tempfile *os.File
}

// New creates a temp file next to name. The replacement keeps the mode of the
// existing file, or 0644 when name does not exist yet.
func New(name string) (File, error) {
	mode := os.FileMode(0644)
	if st, err := os.Stat(name); err == nil {
		mode = st.Mode().Perm()
	}
	tempfile, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp*")
	if err != nil {
		return nil, err
	}
	return &atomicFile{name: name, mode: mode, tempfile: tempfile}, nil
}

func (f *atomicFile) Write(d []byte) (int, error) {
	if f.tempfile == nil {
		return 0, os.ErrClosed
	}
	return f.tempfile.Write(d)
}

// Close discards the temp file if it was not committed.
func (f *atomicFile) Close() error {
	if f.tempfile == nil {
		return nil
	}
	_ = f.tempfile.Close()
	err := os.Remove(f.tempfile.Name())
	f.tempfile = nil
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *atomicFile) Commit() error {
	if f.tempfile == nil {
		return errors.New("file is closed")
	}
	if err := f.tempfile.Chmod(f.mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.tempfile.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.tempfile.Close(); err != nil {
		_ = os.Remove(f.tempfile.Name())
		f.tempfile = nil
		return err
	}
	if err := os.Rename(f.tempfile.Name(), f.name); err != nil {
		_ = os.Remove(f.tempfile.Name())
		f.tempfile = nil
		return err
	}
	f.tempfile = nil
	return nil
}

// WriteFile replaces name with data in one step.
func WriteFile(name string, data []byte) error {
	f, err := New(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}
