// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

package cratesio

import (
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/pkg/errors"
)

// ChangeKind classifies how a crate record changed between two index trees.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Modified
)

// Change is a single crate-level delta derived from a git tree diff.
type Change struct {
	On   Crate
	Kind ChangeKind
}

// DiffChanges expands a set of git tree changes over package files into the
// individual crate-level additions, removals, and modifications they imply.
// A package file rename is never produced by the sharding scheme, so renames
// are not handled specially; a Modify is the only action that requires a
// line-level comparison between old and new package contents.
func DiffChanges(changes object.Changes) ([]Change, error) {
	var result []Change
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, errors.Wrap(err, "determining change action")
		}
		from, to, err := c.Files()
		if err != nil {
			return nil, errors.Wrap(err, "reading change blobs")
		}
		switch action {
		case merkletrie.Insert:
			pkg, err := parsePackageFile(to)
			if err != nil {
				return nil, err
			}
			for _, crate := range pkg.Crates {
				result = append(result, Change{On: crate, Kind: Added})
			}
		case merkletrie.Delete:
			pkg, err := parsePackageFile(from)
			if err != nil {
				return nil, err
			}
			for _, crate := range pkg.Crates {
				result = append(result, Change{On: crate, Kind: Removed})
			}
		case merkletrie.Modify:
			oldPkg, err := parsePackageFile(from)
			if err != nil {
				return nil, err
			}
			newPkg, err := parsePackageFile(to)
			if err != nil {
				return nil, err
			}
			newByKey := make(map[CrateKey]Crate, len(newPkg.Crates))
			for _, nc := range newPkg.Crates {
				newByKey[nc.Key()] = nc
			}
			for _, oc := range oldPkg.Crates {
				if nc, ok := newByKey[oc.Key()]; ok {
					if nc.Checksum != oc.Checksum {
						result = append(result, Change{On: nc, Kind: Modified})
					}
					delete(newByKey, oc.Key())
				} else {
					result = append(result, Change{On: oc, Kind: Removed})
				}
			}
			for _, nc := range newByKey {
				result = append(result, Change{On: nc, Kind: Added})
			}
		}
	}
	return result, nil
}

func parsePackageFile(f *object.File) (Package, error) {
	if f == nil {
		return Package{}, nil
	}
	content, err := f.Contents()
	if err != nil {
		return Package{}, &CorruptPackageError{Path: f.Name, Err: err}
	}
	pkg, err := ParsePackage([]byte(content))
	if err != nil {
		return Package{}, &CorruptPackageError{Path: f.Name, Err: err}
	}
	return pkg, nil
}
