// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/crates-mirror/crates-mirror/internal/gitx/gitxtest"
	"github.com/crates-mirror/crates-mirror/internal/loglevel"
	"github.com/crates-mirror/crates-mirror/pkg/registry/cratesio"
)

func checksumOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	c := cratesio.Sha256(sum)
	return c.String()
}

// crateServer serves crate bodies keyed by "name/version" and counts
// requests per key, so tests can assert that an unchanged artifact is never
// re-fetched.
type crateServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
}

func newCrateServer(bodies map[string]string) *crateServer {
	s := &crateServer{bodies: bodies, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		key := r.URL.Path[len("/"):]
		s.hits[key]++
		body, ok := s.bodies[key]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	return s
}

func (s *crateServer) setBody(name, version, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[fmt.Sprintf("%s/%s/download", name, version)] = body
}

func (s *crateServer) hitCount(name, version string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[fmt.Sprintf("%s/%s/download", name, version)]
}

func newLogger() *loglevel.Logger {
	return loglevel.New(loglevel.Error)
}

// upstreamRepo creates a bare-ish on-disk git repository rooted at a temp
// directory, seeded with an initial commit, and returns both its file://
// URL and the go-git repository so tests can push further commits directly
// to its worktree.
func upstreamRepo(t *testing.T, dl string) (url string, repo *gitxtest.Repository) {
	t.Helper()
	dir := t.TempDir()
	fs := osfs.New(dir)
	repo, err := gitxtest.CreateRepoFromYAML(fmt.Sprintf(`
commits:
  - id: initial
    branch: master
    message: "Initial index commit"
    files:
      config.json: |
        {"dl": %q}
      1/a: |
        {"name":"a","vers":"0.0.1","cksum":"%s"}
`, dl, checksumOf("0")), &gitxtest.RepositoryOptions{
		Storer: filesystem.NewStorage(fs, cache.NewObjectLRUDefault()),
	})
	if err != nil {
		t.Fatal(err)
	}
	return "file://" + dir, repo
}

func writeFile(w *git.Worktree, name, content string) error {
	if err := w.Filesystem.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	f, err := w.Filesystem.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if _, err := w.Add(name); err != nil {
		return err
	}
	_, err = w.Commit("update "+name, &git.CommitOptions{Author: &object.Signature{Name: "Test"}})
	return err
}

func removeFile(w *git.Worktree, name string) error {
	if _, err := w.Remove(name); err != nil {
		return err
	}
	_, err := w.Commit("remove "+name, &git.CommitOptions{Author: &object.Signature{Name: "Test"}})
	return err
}

func TestNew_CreatesIndexButNoArtifacts(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, _ := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("New returned a nil cache")
	}
	if _, err := os.Stat(indexRoot(root)); err != nil {
		t.Errorf("index directory missing: %v", err)
	}
	if _, err := os.Stat(cratesRoot(root)); !os.IsNotExist(err) {
		t.Errorf("crates directory should not exist before the first sync, stat err = %v", err)
	}
}

func TestSync_DownloadsEveryCrate(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, _ := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 2); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(locateCrate(root, cratesio.Crate{Name: "a", Version: "0.0.1"}))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0" {
		t.Errorf("artifact content = %q, want %q", got, "0")
	}
}

func TestSync_IsIdempotent(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, _ := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 2); err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 2); err != nil {
		t.Fatal(err)
	}
	if hits := server.hitCount("a", "0.0.1"); hits != 1 {
		t.Errorf("a@0.0.1 fetched %d times across two syncs, want exactly 1", hits)
	}
}

func TestVerify_RestoresCorruptedArtifact(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, _ := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}
	dest := locateCrate(root, cratesio.Crate{Name: "a", Version: "0.0.1"})
	if err := os.WriteFile(dest, []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0" {
		t.Errorf("artifact after Verify = %q, want restored %q", got, "0")
	}
}

func TestVerify_LeavesValidArtifactUntouched(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, _ := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}
	if hits := server.hitCount("a", "0.0.1"); hits != 1 {
		t.Errorf("a@0.0.1 fetched %d times, want exactly 1 (Verify must not re-fetch a valid artifact)", hits)
	}
}

func TestUpdate_Addition(t *testing.T) {
	server := newCrateServer(map[string]string{
		"a/0.0.1/download": "0",
		"b/0.0.1/download": "1",
	})
	defer server.Close()
	url, repo := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}

	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFile(w, "1/b", fmt.Sprintf(`{"name":"b","vers":"0.0.1","cksum":"%s"}`+"\n", checksumOf("1"))); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background(), http.DefaultClient, cratesio.DownloadOptions{Preserve: cratesio.Always}, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(locateCrate(root, cratesio.Crate{Name: "b", Version: "0.0.1"}))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1" {
		t.Errorf("new crate content = %q, want %q", got, "1")
	}
	// a@0.0.1 must be untouched by the update: only one fetch total.
	if hits := server.hitCount("a", "0.0.1"); hits != 1 {
		t.Errorf("a@0.0.1 fetched %d times, want 1 (update must not re-fetch unrelated crates)", hits)
	}
}

func TestUpdate_Modification(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, repo := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}

	server.setBody("a", "0.0.1", "01")
	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFile(w, "1/a", fmt.Sprintf(`{"name":"a","vers":"0.0.1","cksum":"%s"}`+"\n", checksumOf("01"))); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background(), http.DefaultClient, cratesio.DownloadOptions{Preserve: cratesio.Always}, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(locateCrate(root, cratesio.Crate{Name: "a", Version: "0.0.1"}))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "01" {
		t.Errorf("artifact after modification = %q, want %q", got, "01")
	}
}

func TestUpdate_Removal(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, repo := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}
	dest := locateCrate(root, cratesio.Crate{Name: "a", Version: "0.0.1"})
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("artifact missing before removal: %v", err)
	}

	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := removeFile(w, "1/a"); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background(), http.DefaultClient, cratesio.DownloadOptions{Preserve: cratesio.Always}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("artifact should be removed, stat err = %v", err)
	}
	// Empty ancestor directories (a/0.0.1, a/ and the now-empty crates
	// directory) must be pruned back to the cache root, but the cache root
	// itself must survive.
	if _, err := os.Stat(filepath.Dir(dest)); !os.IsNotExist(err) {
		t.Errorf("empty version directory should be pruned, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(filepath.Dir(dest))); !os.IsNotExist(err) {
		t.Errorf("empty crate directory should be pruned, stat err = %v", err)
	}
	if _, err := os.Stat(cratesRoot(root)); !os.IsNotExist(err) {
		t.Errorf("empty crates directory should be pruned, stat err = %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("cache root itself must survive pruning: %v", err)
	}
}

func TestUpdate_FailureLeavesIndexUnadvanced(t *testing.T) {
	server := newCrateServer(map[string]string{"a/0.0.1/download": "0"})
	defer server.Close()
	url, repo := upstreamRepo(t, server.URL)

	root := t.TempDir()
	c, err := New(context.Background(), root, url, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(context.Background(), http.DefaultClient, 1); err != nil {
		t.Fatal(err)
	}

	// Add a crate whose name embeds a control character: resolving its
	// download URL fails outright (not a checksum/HTTP mismatch, so it is
	// not demoted to a recoverable warning), and the index must not
	// advance past it.
	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFile(w, "1/b", fmt.Sprintf(`{"name":"b\u0001","vers":"0.0.1","cksum":"%s"}`+"\n", checksumOf("missing"))); err != nil {
		t.Fatal(err)
	}

	err = c.Update(context.Background(), http.DefaultClient, cratesio.DownloadOptions{Preserve: cratesio.Always}, 1)
	if err == nil {
		t.Fatal("expected Update to fail when an added crate's download URL cannot be resolved")
	}

	packages, err := c.idx.Packages()
	if err != nil {
		t.Fatal(err)
	}
	var crates []cratesio.Crate
	for _, p := range packages {
		crates = append(crates, p.Crates...)
	}
	if len(crates) != 1 {
		t.Errorf("index advanced despite a failed artifact operation: %d crates, want 1", len(crates))
	}
}
