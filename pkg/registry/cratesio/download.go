// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

package cratesio

import (
	"context"
	"crypto"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/pkg/errors"

	"github.com/crates-mirror/crates-mirror/internal/atomicfile"
	"github.com/crates-mirror/crates-mirror/internal/hashext"
	"github.com/crates-mirror/crates-mirror/internal/httpx"
)

// PreservationStrategy controls whether Download skips artifacts that are
// already present at the destination.
type PreservationStrategy int

const (
	// Always skips the download whenever any file already exists at the
	// destination, regardless of its content.
	Always PreservationStrategy = iota
	// Checksum re-downloads unless the existing file's digest already
	// matches the expected checksum.
	Checksum
)

// DownloadOptions configures Download's behavior toward a pre-existing
// destination file.
type DownloadOptions struct {
	Preserve PreservationStrategy
}

// Download fetches u into destination atomically, verifying the result
// against checksum. Depending on opts.Preserve, an existing destination may
// short-circuit the request entirely.
func Download(ctx context.Context, client httpx.BasicClient, u *url.URL, destination string, checksum Sha256, opts DownloadOptions) error {
	switch opts.Preserve {
	case Always:
		if _, err := os.Stat(destination); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "stat destination")
		}
	case Checksum:
		existing, err := sha256File(destination)
		if err == nil {
			if existing == checksum {
				return nil
			}
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "checksumming existing artifact")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, URL: u.String()}
	}

	w, err := atomicfile.New(destination)
	if err != nil {
		return errors.Wrap(err, "opening destination")
	}
	h := hashext.NewTypedHash(crypto.SHA256)
	if _, err := io.Copy(io.MultiWriter(w, h), resp.Body); err != nil {
		w.Abort()
		return &TransportError{Err: err}
	}
	var got Sha256
	copy(got[:], h.Sum(nil))
	if got != checksum {
		w.Abort()
		return &ChecksumMismatchError{URL: u.String()}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finalizing download")
	}
	return nil
}

func sha256File(path string) (Sha256, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sha256{}, err
	}
	defer f.Close()
	h := hashext.NewTypedHash(crypto.SHA256)
	if _, err := io.Copy(h, f); err != nil {
		return Sha256{}, err
	}
	var s Sha256
	copy(s[:], h.Sum(nil))
	return s, nil
}
