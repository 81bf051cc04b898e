// Package fileio provides the byte source and sink used to read firmware
// images and write their parts.
package fileio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	ErrNotFound = errors.New("file not found")
	ErrIO       = errors.New("i/o error")
)

// Source reads whole files
type Source interface {
	ReadFile(name string) ([]byte, error)
}

// Sink writes whole files, replacing existing content
type Sink interface {
	WriteFile(name string, data []byte) error
}

// Error records a failed file operation
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps the underlying cause to ErrNotFound or ErrIO
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return errors.Is(e.Err, fs.ErrNotExist)
	case ErrIO:
		return !errors.Is(e.Err, fs.ErrNotExist)
	}
	return false
}

// OS reads and writes files on the local filesystem
type OS struct {
	// Perm is applied to files created by WriteFile
	Perm os.FileMode
	// Sync fsyncs written files before they are renamed into place
	Sync bool
}

// NewOS creates an OS source/sink with default permissions
func NewOS() *OS {
	return &OS{Perm: 0644}
}

// ReadFile returns the full contents of name
func (o *OS) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return nil, &Error{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

// WriteFile writes data to name. Data goes to a temporary file in the same
// directory which is then renamed over name, so readers never observe a
// partially written file.
func (o *OS) WriteFile(name string, data []byte) error {
	dir := filepath.Dir(name)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp*")
	if err != nil {
		return &Error{Op: "create", Path: name, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &Error{Op: "write", Path: name, Err: err}
	}

	if o.Sync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return &Error{Op: "sync", Path: name, Err: err}
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Op: "close", Path: name, Err: err}
	}

	perm := o.Perm
	if perm == 0 {
		perm = 0644
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Op: "chmod", Path: name, Err: err}
	}

	if err := os.Rename(tmpPath, name); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Op: "rename", Path: name, Err: err}
	}

	return nil
}

// IsNotFound reports whether err is a missing-file error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
