// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror drives the top-level lifecycle of a local crate cache: its
// creation, full verification, and incremental synchronization against an
// upstream sparse index.
package mirror

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb"
	"github.com/pkg/errors"

	"github.com/crates-mirror/crates-mirror/internal/httpx"
	"github.com/crates-mirror/crates-mirror/internal/loglevel"
	"github.com/crates-mirror/crates-mirror/internal/pipe"
	"github.com/crates-mirror/crates-mirror/internal/syncx"
	"github.com/crates-mirror/crates-mirror/pkg/registry/cratesio"
	"github.com/crates-mirror/crates-mirror/pkg/registry/cratesio/index"
)

// outcome classifies how a single crate's work item resolved, for the
// per-operation summary logged once every worker has finished.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRecovered
)

// tally is a concurrency-safe per-crate outcome ledger: every worker in the
// bounded pool records into the same map as it finishes a crate, and the
// summary below reads it back once the pool has drained.
type tally = syncx.Map[cratesio.CrateKey, outcome]

func summarize(log *loglevel.Logger, label string, t *tally) {
	var ok, recovered int
	t.Range(func(_ cratesio.CrateKey, o outcome) bool {
		if o == outcomeRecovered {
			recovered++
		} else {
			ok++
		}
		return true
	})
	log.Infof("%s: %d ok, %d recovered from a skippable error", label, ok, recovered)
}

// Cache is a local mirror of a crates.io-style registry: an index clone and
// the crate artifacts it describes, laid out under a single root directory.
type Cache struct {
	root string
	idx  *index.Index
	log  *loglevel.Logger
}

func cratesRoot(root string) string { return filepath.Join(root, "crates") }
func indexRoot(root string) string  { return filepath.Join(root, "index") }

func locateCrate(root string, c cratesio.Crate) string {
	return filepath.Join(cratesRoot(root), c.Name, c.Version, "download")
}

// New creates a fresh cache at root, cloning the index from url.
func New(ctx context.Context, root, url string, log *loglevel.Logger) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache root")
	}
	idx, err := index.Clone(ctx, url, indexRoot(root))
	if err != nil {
		return nil, errors.Wrap(err, "creating cache")
	}
	return &Cache{root: root, idx: idx, log: log}, nil
}

// FromPath opens a cache previously created at root.
func FromPath(root string, log *loglevel.Logger) (*Cache, error) {
	idx, err := index.Open(indexRoot(root))
	if err != nil {
		return nil, errors.Wrap(err, "loading cache")
	}
	return &Cache{root: root, idx: idx, log: log}, nil
}

// Refresh downloads every crate described by the index's current head,
// applying opts uniformly to every artifact. It is used both for the
// initial population of a cache (Sync) and for re-verification (Verify).
func (c *Cache) Refresh(ctx context.Context, client httpx.BasicClient, opts cratesio.DownloadOptions, parallelism int) error {
	cfg, err := c.idx.Configuration()
	if err != nil {
		return errors.Wrap(err, "reading configuration")
	}
	packages, err := c.idx.Packages()
	if err != nil {
		return errors.Wrap(err, "enumerating packages")
	}
	var crates []cratesio.Crate
	for _, p := range packages {
		crates = append(crates, p.Crates...)
	}

	bar := pb.New(len(crates))
	bar.Output = os.Stderr
	bar.ShowTimeLeft = true
	bar.Start()
	defer bar.Finish()

	var t tally
	results := pipe.ParInto(parallelism, pipe.FromSlice(crates), func(cr cratesio.Crate, out chan<- error) {
		defer bar.Increment()
		u, err := cfg.Locate(cr)
		if err != nil {
			out <- err
			return
		}
		dest := locateCrate(c.root, cr)
		out <- classifyDownloadError(c.log, &t, cr, cratesio.Download(ctx, client, u, dest, cr.Checksum, opts))
	})

	var firstErr error
	for err := range results.Out() {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	summarize(c.log, "refresh", &t)
	return firstErr
}

// classifyDownloadError demotes recoverable per-crate download failures
// (a bad checksum or HTTP error from a single upstream artifact) to a
// logged warning rather than a fatal error, so that one broken crate does
// not abort an otherwise-successful refresh or sync. Successful and
// recovered outcomes are recorded in t for the operation's closing summary;
// a fatal error is returned as a CrateDownloadError and not recorded.
func classifyDownloadError(log *loglevel.Logger, t *tally, cr cratesio.Crate, err error) error {
	if err == nil {
		t.Store(cr.Key(), outcomeOK)
		return nil
	}
	var cm *cratesio.ChecksumMismatchError
	var he *cratesio.HTTPError
	if errors.As(err, &cm) || errors.As(err, &he) {
		log.Warnf("recoverable error downloading %s@%s: %v", cr.Name, cr.Version, err)
		t.Store(cr.Key(), outcomeRecovered)
		return nil
	}
	return &CrateDownloadError{Name: cr.Name, Version: cr.Version, Err: err}
}

// Update fetches the upstream index and applies the resulting crate-level
// changes to the cache, advancing the local index pointer only once every
// change has been applied successfully.
func (c *Cache) Update(ctx context.Context, client httpx.BasicClient, opts cratesio.DownloadOptions, parallelism int) error {
	pu, err := c.idx.Update(ctx)
	if err != nil {
		return errors.Wrap(err, "staging update")
	}
	// Read after staging. Configuration reads config.json at the local
	// head, which Update does not advance until Commit, so this is the
	// pre-update template; a template changed by the fetched upstream
	// commit is not used for this update's downloads.
	cfg, err := c.idx.Configuration()
	if err != nil {
		return errors.Wrap(err, "reading configuration")
	}
	changes := pu.Changes()

	bar := pb.New(len(changes))
	bar.Output = os.Stderr
	bar.ShowTimeLeft = true
	bar.Start()
	defer bar.Finish()

	var t tally
	results := pipe.ParInto(parallelism, pipe.FromSlice(changes), func(ch cratesio.Change, out chan<- error) {
		defer bar.Increment()
		out <- c.applyChange(ctx, client, &t, cfg, ch, opts)
	})

	var firstErr error
	for err := range results.Out() {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	summarize(c.log, "update", &t)
	if firstErr != nil {
		return firstErr
	}
	if err := c.idx.Commit(pu); err != nil {
		return errors.Wrap(err, "committing update")
	}
	return nil
}

func (c *Cache) applyChange(ctx context.Context, client httpx.BasicClient, t *tally, cfg cratesio.Configuration, ch cratesio.Change, opts cratesio.DownloadOptions) error {
	dest := locateCrate(c.root, ch.On)
	switch ch.Kind {
	case cratesio.Added:
		return c.downloadOne(ctx, client, t, cfg, ch.On, dest, opts)
	case cratesio.Modified:
		if err := removeIfExists(dest); err != nil {
			return err
		}
		return c.downloadOne(ctx, client, t, cfg, ch.On, dest, opts)
	case cratesio.Removed:
		if err := removeIfExists(dest); err != nil {
			return err
		}
		t.Store(ch.On.Key(), outcomeOK)
		return c.pruneDirectories(filepath.Dir(dest))
	default:
		return errors.Errorf("unknown change kind %v", ch.Kind)
	}
}

func (c *Cache) downloadOne(ctx context.Context, client httpx.BasicClient, t *tally, cfg cratesio.Configuration, cr cratesio.Crate, dest string, opts cratesio.DownloadOptions) error {
	u, err := cfg.Locate(cr)
	if err != nil {
		return err
	}
	return classifyDownloadError(c.log, t, cr, cratesio.Download(ctx, client, u, dest, cr.Checksum, opts))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing artifact")
	}
	return nil
}

// pruneDirectories removes start, and each ancestor directory up to but
// excluding the cache root, for as long as each directory visited is empty.
func (c *Cache) pruneDirectories(start string) error {
	root := filepath.Clean(c.root)
	dir := filepath.Clean(start)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &TraversalImpossibleError{Path: start}
	}
	for dir != root {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return errors.Wrap(err, "reading directory during prune")
		}
		if len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			return errors.Wrap(err, "removing empty directory during prune")
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Sync brings a freshly created cache fully up to date: every crate
// described by the index is downloaded, preserving any already present.
func (c *Cache) Sync(ctx context.Context, client httpx.BasicClient, parallelism int) error {
	if err := c.Refresh(ctx, client, cratesio.DownloadOptions{Preserve: cratesio.Always}, parallelism); err != nil {
		return err
	}
	return c.Update(ctx, client, cratesio.DownloadOptions{Preserve: cratesio.Always}, parallelism)
}

// Verify re-downloads any artifact whose on-disk checksum does not match
// the index's recorded checksum, leaving correct artifacts untouched.
func (c *Cache) Verify(ctx context.Context, client httpx.BasicClient, parallelism int) error {
	return c.Refresh(ctx, client, cratesio.DownloadOptions{Preserve: cratesio.Checksum}, parallelism)
}
