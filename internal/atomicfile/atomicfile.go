// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes file content to a temporary location and only
// exposes it at the final path once the write has fully succeeded.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Writer writes to a temp file in the destination's directory and renames to
// the final path on Close. Abort, or a failing Close, removes the temp file
// and leaves the destination path untouched; a Writer that is neither
// closed nor aborted leaves its temp file in the destination's directory.
type Writer struct {
	finalPath string
	tmpFile   *os.File
}

// New creates the parent directory of path if needed and opens a Writer
// targeting it.
func New(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating destination directory")
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	return &Writer{finalPath: path, tmpFile: tmpFile}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.tmpFile.Write(p)
}

// Abort discards the in-progress write without touching the destination.
func (w *Writer) Abort() error {
	tmpPath := w.tmpFile.Name()
	w.tmpFile.Close()
	return os.Remove(tmpPath)
}

// Close finalizes the write, renaming the temp file onto the destination path.
func (w *Writer) Close() error {
	tmpPath := w.tmpFile.Name()
	if err := w.tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp file to final path")
	}
	return nil
}
