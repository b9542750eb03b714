// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// Package cratesio implements the crates.io-style sparse registry metadata
// format: crate records, package files, the download-URL template, and the
// logic that downloads and verifies individual crate artifacts.
package cratesio

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Sha256 is a fixed 32-byte digest, serialized as 64-character lowercase hex.
type Sha256 [32]byte

func (s Sha256) String() string {
	return hex.EncodeToString(s[:])
}

func (s Sha256) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sha256) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return errors.Wrap(err, "decoding sha256 hex")
	}
	if len(b) != len(s) {
		return errors.Errorf("sha256 must be %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return nil
}

// CrateKey identifies a crate by name and version only, ignoring checksum.
type CrateKey struct {
	Name    string
	Version string
}

// Crate uniquely identifies a downloadable artifact.
type Crate struct {
	Name     string `json:"name"`
	Version  string `json:"vers"`
	Checksum Sha256 `json:"cksum"`
}

// Key returns the (name, version) identity of c.
func (c Crate) Key() CrateKey {
	return CrateKey{Name: c.Name, Version: c.Version}
}

// Prefix returns the deterministic sharding directory for c, derived from up
// to the first four characters of its name. Case is preserved; a lowercase
// variant is derived separately where the registry template calls for it.
func (c Crate) Prefix() string {
	r := []rune(c.Name)
	if len(r) > 4 {
		r = r[:4]
	}
	switch len(r) {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3/" + string(r[0])
	default:
		return string(r[0:2]) + "/" + string(r[2:4])
	}
}

// ParseCrate parses a single package-file line into a Crate.
func ParseCrate(line string) (Crate, error) {
	var c Crate
	if err := json.Unmarshal([]byte(line), &c); err != nil {
		return Crate{}, &InvalidCrateRecordError{Line: line, Err: err}
	}
	if c.Name == "" || c.Version == "" {
		return Crate{}, &InvalidCrateRecordError{Line: line, Err: errors.New("missing name or vers")}
	}
	return c, nil
}

// Package is the unordered set of Crate records held by one metadata file.
type Package struct {
	Crates []Crate
}

// ParsePackage parses a line-oriented package file. Blank lines are ignored;
// a whitespace-only or empty file parses to an empty Package.
func ParsePackage(data []byte) (Package, error) {
	var crates []Crate
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c, err := ParseCrate(line)
		if err != nil {
			return Package{}, err
		}
		crates = append(crates, c)
	}
	return Package{Crates: crates}, nil
}
