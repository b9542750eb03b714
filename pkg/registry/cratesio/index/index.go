// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// Package index adapts a crates.io-style sparse index, held as a git
// repository, into the crate and package records defined by the cratesio
// package.
package index

import (
	"context"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"

	"github.com/crates-mirror/crates-mirror/internal/gitx"
	"github.com/crates-mirror/crates-mirror/internal/iterx"
	"github.com/crates-mirror/crates-mirror/pkg/registry/cratesio"
)

// Index is a local clone of a sparse registry index.
type Index struct {
	mu   sync.Mutex
	repo *git.Repository
}

func openStorer(path string) *filesystem.Storage {
	return filesystem.NewStorage(osfs.New(path), cache.NewObjectLRUDefault())
}

// Clone clones the index at url into path, configuring its default branch's
// upstream so that later calls to Update can fetch and diff against it.
func Clone(ctx context.Context, url, path string) (*Index, error) {
	storer := openStorer(path)
	repo, err := gitx.Clone(ctx, storer, nil, &git.CloneOptions{
		URL:        url,
		NoCheckout: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cloning index")
	}
	head, err := repo.Head()
	if err != nil {
		return nil, errors.Wrap(err, "resolving cloned head")
	}
	branchName := head.Name().Short()
	cfg, err := repo.Config()
	if err != nil {
		return nil, errors.Wrap(err, "reading repo config")
	}
	cfg.Branches[branchName] = &config.Branch{
		Name:   branchName,
		Remote: git.DefaultRemoteName,
		Merge:  plumbing.NewBranchReferenceName(branchName),
	}
	if err := repo.Storer.SetConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "configuring branch upstream")
	}
	return &Index{repo: repo}, nil
}

// Open opens a previously-cloned index at path.
func Open(path string) (*Index, error) {
	storer := openStorer(path)
	repo, err := git.Open(storer, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening index")
	}
	return &Index{repo: repo}, nil
}

// Configuration returns the registry's config.json as of the index's current head.
func (idx *Index) Configuration() (cratesio.Configuration, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tree, err := idx.headTree()
	if err != nil {
		return cratesio.Configuration{}, err
	}
	f, err := tree.File("config.json")
	if err != nil {
		return cratesio.Configuration{}, &ConfigurationNotFoundError{}
	}
	content, err := f.Contents()
	if err != nil {
		return cratesio.Configuration{}, &ConfigurationNotFoundError{}
	}
	cfg, err := cratesio.ParseConfiguration([]byte(content))
	if err != nil {
		return cratesio.Configuration{}, &ConfigurationCorruptError{Err: err}
	}
	return cfg, nil
}

// Packages enumerates every package file at the index's current head.
func (idx *Index) Packages() ([]cratesio.Package, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tree, err := idx.headTree()
	if err != nil {
		return nil, err
	}
	var packages []cratesio.Package
	for f, err := range iterx.ToSeq2(tree.Files(), io.EOF) {
		if err != nil {
			return nil, errors.Wrap(err, "iterating index tree")
		}
		if f.Name == "config.json" {
			continue
		}
		first, _, _ := strings.Cut(f.Name, "/")
		if strings.HasPrefix(first, ".") {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return nil, &cratesio.CorruptPackageError{Path: f.Name, Err: err}
		}
		pkg, err := cratesio.ParsePackage([]byte(content))
		if err != nil {
			return nil, &cratesio.CorruptPackageError{Path: f.Name, Err: err}
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// PendingUpdate is a staged but not-yet-committed index update: the set of
// crate-level changes between the current head and the fetched upstream,
// and the commit the branch pointer will advance to once applied.
type PendingUpdate struct {
	changes []cratesio.Change
	target  plumbing.Hash
	branch  string
}

// Changes returns the crate-level deltas this update would apply.
func (pu *PendingUpdate) Changes() []cratesio.Change { return pu.changes }

// Update fetches the index's configured upstream and stages the resulting
// crate-level changes without advancing the local branch pointer. Call
// Commit once every staged change has been applied successfully.
func (idx *Index) Update(ctx context.Context) (*PendingUpdate, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	branchName, remoteName, mergeRef, err := idx.currentBranchUpstream()
	if err != nil {
		return nil, err
	}
	err = idx.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: remoteName, Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, errors.Wrap(err, "fetching upstream")
	}
	oldHead, err := idx.repo.Head()
	if err != nil {
		return nil, errors.Wrap(err, "resolving head")
	}
	upstreamRefName := plumbing.NewRemoteReferenceName(remoteName, plumbing.ReferenceName(mergeRef).Short())
	upstreamRef, err := idx.repo.Reference(upstreamRefName, true)
	if err != nil {
		return nil, errors.Wrap(err, "resolving upstream ref")
	}
	oldTree, err := treeAt(idx.repo, oldHead.Hash())
	if err != nil {
		return nil, err
	}
	newTree, err := treeAt(idx.repo, upstreamRef.Hash())
	if err != nil {
		return nil, err
	}
	changeset, err := oldTree.Diff(newTree)
	if err != nil {
		return nil, errors.Wrap(err, "diffing trees")
	}
	changes, err := cratesio.DiffChanges(filterConfig(changeset))
	if err != nil {
		return nil, err
	}
	return &PendingUpdate{changes: changes, target: upstreamRef.Hash(), branch: branchName}, nil
}

// Commit advances the index's branch pointer to the target resolved by a
// prior call to Update. It must only be called once every change in
// pu.Changes() has been successfully applied by the caller.
func (idx *Index) Commit(pu *PendingUpdate) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(pu.branch), pu.target)
	if err := idx.repo.Storer.SetReference(ref); err != nil {
		return errors.Wrap(err, "advancing branch pointer")
	}
	return nil
}

func (idx *Index) currentBranchUpstream() (branch, remote, merge string, err error) {
	head, err := idx.repo.Head()
	if err != nil {
		return "", "", "", errors.Wrap(err, "resolving head")
	}
	if !head.Name().IsBranch() {
		return "", "", "", &UnexpectedIndexStateError{Reason: "HEAD is not a branch"}
	}
	branch = head.Name().Short()
	if !utf8.ValidString(branch) {
		return "", "", "", &IndexUsesUnsupportedEncodingError{Field: "branch"}
	}
	cfg, err := idx.repo.Config()
	if err != nil {
		return "", "", "", errors.Wrap(err, "reading repo config")
	}
	b, ok := cfg.Branches[branch]
	if !ok || b.Remote == "" || b.Merge == "" {
		return "", "", "", &UnexpectedIndexStateError{Reason: "branch has no configured upstream"}
	}
	if !utf8.ValidString(b.Remote) {
		return "", "", "", &IndexUsesUnsupportedEncodingError{Field: "remote"}
	}
	return branch, b.Remote, string(b.Merge), nil
}

func (idx *Index) headTree() (*object.Tree, error) {
	head, err := idx.repo.Head()
	if err != nil {
		return nil, errors.Wrap(err, "resolving head")
	}
	return treeAt(idx.repo, head.Hash())
}

func treeAt(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, errors.Wrap(err, "resolving commit")
	}
	return commit.Tree()
}

func filterConfig(changes object.Changes) object.Changes {
	var out object.Changes
	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		if name == "config.json" {
			continue
		}
		out = append(out, c)
	}
	return out
}
