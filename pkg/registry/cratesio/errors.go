// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

package cratesio

import "fmt"

// InvalidCrateRecordError indicates a package-file line that did not parse
// as a well-formed crate record.
type InvalidCrateRecordError struct {
	Line string
	Err  error
}

func (e *InvalidCrateRecordError) Error() string {
	return fmt.Sprintf("invalid crate record: %v", e.Err)
}

func (e *InvalidCrateRecordError) Unwrap() error { return e.Err }

// CorruptPackageError indicates a package file could not be read or parsed.
type CorruptPackageError struct {
	Path string
	Err  error
}

func (e *CorruptPackageError) Error() string {
	return fmt.Sprintf("corrupt package metadata at %s: %v", e.Path, e.Err)
}

func (e *CorruptPackageError) Unwrap() error { return e.Err }

// MalformedDownloadTemplateError indicates a configured download template
// produced an unparseable URL for a given crate.
type MalformedDownloadTemplateError struct {
	Crate Crate
	Err   error
}

func (e *MalformedDownloadTemplateError) Error() string {
	return fmt.Sprintf("failed to build download URL for %s@%s: %v", e.Crate.Name, e.Crate.Version, e.Err)
}

func (e *MalformedDownloadTemplateError) Unwrap() error { return e.Err }

// ChecksumMismatchError indicates a downloaded artifact did not match its
// expected checksum.
type ChecksumMismatchError struct {
	URL string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch downloading %s", e.URL)
}

// HTTPError indicates a download request received a non-2xx response.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.Status, e.URL)
}

// TransportError wraps a lower-level network or request-construction failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
