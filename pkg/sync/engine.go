// Package sync is the repository sync engine: it brings a tree of git
// checkouts into agreement with a manifest, cloning what is missing and,
// in refresh mode, fast-forwarding what is already there.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/bundlekit/bundlekit/pkg/logger"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
	"github.com/bundlekit/bundlekit/pkg/run"
)

// ErrLocalDivergence marks a checkout whose local changes make an automatic
// update unsafe.
var ErrLocalDivergence = errors.New("local checkout has diverged")

// Engine syncs repository entries under a root directory. Entries are
// directory-disjoint, so one Engine may process them concurrently.
type Engine struct {
	root   string
	mode   Mode
	mirror string
	dryRun bool
}

// NewEngine creates a repository sync engine. githubMirror, when non-empty,
// prefixes github.com clone URLs.
func NewEngine(root string, mode Mode, githubMirror string, dryRun bool) *Engine {
	return &Engine{
		root:   root,
		mode:   mode,
		mirror: githubMirror,
		dryRun: dryRun,
	}
}

// SyncEntry processes one manifest entry according to the per-entry contract:
// absent entries are cloned, present entries are skipped in acquire mode and
// fast-forwarded in refresh mode, conflicting entries always fail. All
// failures are recorded, never returned; the batch continues.
func (e *Engine) SyncEntry(ctx context.Context, entry manifest.Entry) run.Record {
	state := probe.RepoState(e.root, entry, e.mode == ModeRefresh)

	switch state {
	case probe.StateConflicting:
		return run.Fail(entry.Name, state, run.ReasonConflictingLocalState,
			fmt.Errorf("%s is not a usable checkout of %s", entry.LocalPath(e.root), entry.Source))

	case probe.StateAbsent:
		return e.clone(ctx, entry)

	default:
		if e.mode == ModeAcquire {
			logger.Debug("already present, skipping", logger.String("name", entry.Name))
			return e.skip(entry, state)
		}
		return e.update(ctx, entry, state)
	}
}

func (e *Engine) skip(entry manifest.Entry, state probe.State) run.Record {
	rec := run.Record{
		Name:          entry.Name,
		PreviousState: state,
		Action:        run.ActionSkipped,
		Commit:        entry.Ref,
	}
	// Report the actual checked-out revision for unpinned entries so the
	// result manifest can pin it.
	if rec.Commit == "" {
		if repo, err := git.PlainOpen(entry.LocalPath(e.root)); err == nil {
			if head, err := repo.Head(); err == nil {
				rec.Commit = head.Hash().String()
			}
		}
	}
	return rec
}

func (e *Engine) clone(ctx context.Context, entry manifest.Entry) run.Record {
	path := entry.LocalPath(e.root)
	url := NormalizeSourceURL(entry.Source, e.mirror)

	if e.dryRun {
		logger.Info("would clone", logger.String("name", entry.Name), logger.String("url", url))
		return run.Record{Name: entry.Name, PreviousState: probe.StateAbsent, Action: run.ActionCloned, Commit: entry.Ref}
	}

	logger.Info("cloning", logger.String("name", entry.Name), logger.String("url", url))

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:               url,
		Tags:              git.AllTags,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil {
		// Never leave a partially created checkout behind.
		_ = os.RemoveAll(path)
		if ctx.Err() != nil {
			return run.Fail(entry.Name, probe.StateAbsent, run.ReasonCancelled, ctx.Err())
		}
		return run.Fail(entry.Name, probe.StateAbsent, run.ReasonNetworkFailure,
			fmt.Errorf("failed to clone %s: %w", url, err))
	}

	if entry.Ref != "" {
		hash, err := resolveRefHash(repo, entry.Ref)
		if err == nil {
			err = checkoutHash(repo, hash)
		}
		if err != nil {
			_ = os.RemoveAll(path)
			return run.Fail(entry.Name, probe.StateAbsent, run.ReasonVerificationMismatch,
				fmt.Errorf("failed to checkout pinned ref %q: %w", entry.Ref, err))
		}
	}

	commit, err := headCommit(repo)
	if err != nil {
		_ = os.RemoveAll(path)
		return run.Fail(entry.Name, probe.StateAbsent, run.ReasonStagingWriteFailure, err)
	}

	logger.Info("cloned", logger.String("name", entry.Name), logger.String("commit", shortHash(commit)))
	return run.Record{
		Name:          entry.Name,
		PreviousState: probe.StateAbsent,
		Action:        run.ActionCloned,
		Commit:        commit,
	}
}

func (e *Engine) update(ctx context.Context, entry manifest.Entry, state probe.State) run.Record {
	path := entry.LocalPath(e.root)

	if e.dryRun {
		logger.Info("would update", logger.String("name", entry.Name))
		return run.Record{Name: entry.Name, PreviousState: state, Action: run.ActionUpdated, Commit: entry.Ref}
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return run.Fail(entry.Name, state, run.ReasonConflictingLocalState, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return run.Fail(entry.Name, state, run.ReasonConflictingLocalState, err)
	}

	// Divergence check before anything touches the checkout. A dirty worktree
	// is a per-entry failure; the directory is left byte-for-byte untouched.
	status, err := worktree.Status()
	if err != nil {
		return run.Fail(entry.Name, state, run.ReasonConflictingLocalState, err)
	}
	if !status.IsClean() {
		return run.Fail(entry.Name, state, run.ReasonLocalDivergence,
			fmt.Errorf("%w: uncommitted changes in %s", ErrLocalDivergence, path))
	}

	if err := fetchLatest(ctx, repo); err != nil {
		if ctx.Err() != nil {
			return run.Fail(entry.Name, state, run.ReasonCancelled, ctx.Err())
		}
		return run.Fail(entry.Name, state, run.ReasonNetworkFailure,
			fmt.Errorf("failed to fetch %s: %w", entry.Source, err))
	}

	var target plumbing.Hash
	if entry.Ref != "" {
		target, err = resolveRefHash(repo, entry.Ref)
	} else {
		target, err = defaultBranchHash(repo)
	}
	if err != nil {
		return run.Fail(entry.Name, state, run.ReasonVerificationMismatch, err)
	}

	// Unpinned updates must be fast-forwards. Local commits unknown upstream
	// are divergence, same as a dirty worktree.
	if entry.Ref == "" {
		ff, err := isFastForward(repo, target)
		if err != nil {
			return run.Fail(entry.Name, state, run.ReasonNetworkFailure, err)
		}
		if !ff {
			return run.Fail(entry.Name, state, run.ReasonLocalDivergence,
				fmt.Errorf("%w: local commits in %s are not upstream", ErrLocalDivergence, path))
		}
	}

	if err := checkoutHash(repo, target); err != nil {
		return run.Fail(entry.Name, state, run.ReasonStagingWriteFailure,
			fmt.Errorf("failed to checkout %s: %w", target, err))
	}

	logger.Info("updated", logger.String("name", entry.Name), logger.String("commit", shortHash(target.String())))
	return run.Record{
		Name:          entry.Name,
		PreviousState: state,
		Action:        run.ActionUpdated,
		Commit:        target.String(),
	}
}

func fetchLatest(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// resolveRefHash resolves a pinned ref: revision expressions first, then
// branch, remote, and tag candidates, finally a bare 40-hex commit hash.
func resolveRefHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if hash, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
		return *hash, nil
	}

	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName(ref),
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, ref),
		plumbing.NewTagReferenceName(ref),
	}
	for _, candidate := range candidates {
		if reference, err := repo.Reference(candidate, true); err == nil {
			return reference.Hash(), nil
		}
	}

	if len(ref) == 40 && isHex(ref) {
		return plumbing.NewHash(ref), nil
	}

	return plumbing.ZeroHash, fmt.Errorf("ref %q not found", ref)
}

// defaultBranchHash finds the remote's default branch tip: origin/HEAD when
// the clone recorded it, otherwise the usual branch name candidates.
func defaultBranchHash(repo *git.Repository) (plumbing.Hash, error) {
	if reference, err := repo.Reference(plumbing.NewRemoteHEADReferenceName(git.DefaultRemoteName), true); err == nil {
		return reference.Hash(), nil
	}

	for _, name := range []string{"main", "master", "trunk", "development"} {
		if reference, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, name), true); err == nil {
			return reference.Hash(), nil
		}
	}

	return plumbing.ZeroHash, errors.New("cannot determine the remote default branch")
}

// isFastForward reports whether HEAD is an ancestor of (or equal to) target.
func isFastForward(repo *git.Repository, target plumbing.Hash) (bool, error) {
	head, err := repo.Head()
	if err != nil {
		return false, err
	}
	if head.Hash() == target {
		return true, nil
	}

	headCommit, err := object.GetCommit(repo.Storer, head.Hash())
	if err != nil {
		return false, err
	}
	targetCommit, err := object.GetCommit(repo.Storer, target)
	if err != nil {
		return false, err
	}
	return headCommit.IsAncestor(targetCommit)
}

func checkoutHash(repo *git.Repository, hash plumbing.Hash) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return worktree.Checkout(&git.CheckoutOptions{
		Hash:  hash,
		Force: true,
	})
}

func headCommit(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
