// Package probe classifies the local filesystem state of manifest entries.
// The classification drives the engines' skip/clone/update/fail decisions and
// makes the idempotence contract explicit instead of duck-typed existence
// checks.
package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	git "github.com/go-git/go-git/v5"

	"github.com/bundlekit/bundlekit/pkg/manifest"
)

// State is the classification of one entry's local presence.
type State string

const (
	// StateAbsent: no local path exists for the entry.
	StateAbsent State = "absent"
	// StatePresent: local path exists and is a valid, matching checkout or asset.
	StatePresent State = "present"
	// StateStale: local path is valid but a refresh-to-latest pass was requested.
	StateStale State = "stale"
	// StateConflicting: local path exists but is not a recognizable checkout or
	// does not match the expected identity. Never auto-overwritten.
	StateConflicting State = "conflicting"
)

// ErrVerification marks a size or checksum mismatch.
var ErrVerification = errors.New("verification mismatch")

// RepoState classifies a repository entry under root. refresh indicates a
// refresh-to-latest pass was requested for entries that are otherwise valid.
func RepoState(root string, e manifest.Entry, refresh bool) State {
	path := e.LocalPath(root)
	if _, err := os.Stat(path); err != nil {
		return StateAbsent
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		// A plain directory with no version-control metadata where a checkout
		// is expected.
		return StateConflicting
	}

	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil || len(remote.Config().URLs) == 0 {
		return StateConflicting
	}
	if !SameRepoSource(remote.Config().URLs[0], e.Source) {
		return StateConflicting
	}

	if refresh {
		return StateStale
	}
	return StatePresent
}

// AssetState classifies an asset entry under the given filesystem root. A file
// that exists but fails its size or checksum hint is conflicting; it is left
// in place and resolved by a fresh staged download.
func AssetState(fs billy.Filesystem, e manifest.Entry) State {
	path := e.TargetRel()
	if _, err := fs.Stat(path); err != nil {
		return StateAbsent
	}

	if err := Verify(fs, path, e.SHA256, e.Size); err != nil {
		return StateConflicting
	}
	return StatePresent
}

// Verify checks a file against the optional size and sha256 hints. Absent
// hints mean existence implies completeness.
func Verify(fs billy.Filesystem, path, wantSHA256 string, wantSize int64) error {
	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if wantSize > 0 && info.Size() != wantSize {
		return fmt.Errorf("%w: size %d, expected %d", ErrVerification, info.Size(), wantSize)
	}

	if wantSHA256 != "" {
		f, err := fs.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() {
			_ = f.Close()
		}()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, wantSHA256) {
			return fmt.Errorf("%w: sha256 %s, expected %s", ErrVerification, got, wantSHA256)
		}
	}

	return nil
}

// SameRepoSource reports whether a checkout's remote URL and a manifest source
// refer to the same repository. Comparison tolerates scheme differences, a
// trailing ".git", and mirror prefixes that wrap the original URL.
func SameRepoSource(remoteURL, source string) bool {
	r := canonicalRepoURL(remoteURL)
	s := canonicalRepoURL(source)
	if r == s {
		return true
	}
	// Mirror-rewritten remotes embed the original URL as a suffix.
	return strings.HasSuffix(r, "/"+s) || strings.HasSuffix(s, "/"+r)
}

func canonicalRepoURL(u string) string {
	u = strings.TrimSpace(u)
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://", "file://"} {
		if rest, ok := strings.CutPrefix(u, scheme); ok {
			u = rest
			break
		}
	}
	// scp-like syntax: git@host:org/repo.git
	if rest, ok := strings.CutPrefix(u, "git@"); ok {
		u = strings.Replace(rest, ":", "/", 1)
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

// Orphans lists top-level directories under root that no manifest entry
// claims. They are reported, never touched: local data is not deleted on the
// manifest's behalf.
func Orphans(root string, m *manifest.Manifest) []string {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	claimed := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		top := e.TargetRel()
		if i := strings.IndexAny(top, `/\`); i >= 0 {
			top = top[:i]
		}
		claimed[top] = struct{}{}
	}

	var orphans []string
	for _, d := range dirents {
		if _, ok := claimed[d.Name()]; !ok {
			orphans = append(orphans, d.Name())
		}
	}
	sort.Strings(orphans)
	return orphans
}
