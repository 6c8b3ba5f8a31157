// Package fetch is the asset fetch engine: it downloads manifest entries into
// a staging path, verifies them, and atomically publishes them under the asset
// root. Re-runs against complete local state perform zero downloads.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/iofs"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bundlekit/bundlekit/pkg/logger"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
	"github.com/bundlekit/bundlekit/pkg/run"
)

// stagingSuffix marks in-progress downloads. Staged files live next to their
// final path so the publish rename never crosses a filesystem boundary.
const stagingSuffix = ".partial"

// Options tunes the download client.
type Options struct {
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
	RetryCeil time.Duration
}

// Engine downloads asset entries onto fs, which is rooted at the asset root.
type Engine struct {
	fs       billy.Filesystem
	client   *retryablehttp.Client
	hfMirror string
	dryRun   bool
}

// NewEngine creates an asset fetch engine. hfMirror, when non-empty, replaces
// the huggingface.co host in download URLs.
func NewEngine(fs billy.Filesystem, opts Options, hfMirror string, dryRun bool) *Engine {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWait > 0 {
		client.RetryWaitMin = opts.RetryWait
	}
	if opts.RetryCeil > 0 {
		client.RetryWaitMax = opts.RetryCeil
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.Logger = retryLogger{}

	return &Engine{
		fs:       fs,
		client:   client,
		hfMirror: hfMirror,
		dryRun:   dryRun,
	}
}

// FetchEntry processes one asset entry. Already-complete assets are skipped;
// assets failing their verification hints are reported, never overwritten in
// place. Failures are recorded, never returned, so the batch continues.
func (e *Engine) FetchEntry(ctx context.Context, entry manifest.Entry) run.Record {
	state := probe.AssetState(e.fs, entry)

	switch state {
	case probe.StatePresent:
		logger.Debug("already complete, skipping", logger.String("name", entry.Name))
		return run.Record{Name: entry.Name, PreviousState: state, Action: run.ActionSkipped}

	case probe.StateConflicting:
		return run.Fail(entry.Name, state, run.ReasonVerificationMismatch,
			fmt.Errorf("existing file %s does not match its manifest hints", entry.TargetRel()))

	default:
		return e.download(ctx, entry)
	}
}

func (e *Engine) download(ctx context.Context, entry manifest.Entry) run.Record {
	url := RewriteMirrorURL(entry.Source, e.hfMirror)
	target := entry.TargetRel()
	staging := target + stagingSuffix

	if e.dryRun {
		logger.Info("would download", logger.String("name", entry.Name), logger.String("url", url))
		return run.Record{Name: entry.Name, PreviousState: probe.StateAbsent, Action: run.ActionDownloaded}
	}

	logger.Info("downloading", logger.String("name", entry.Name), logger.String("url", url))

	if dir := filepath.Dir(target); dir != "." {
		if err := e.fs.MkdirAll(dir, 0o750); err != nil {
			return run.Fail(entry.Name, probe.StateAbsent, run.ReasonStagingWriteFailure, err)
		}
	}

	if err := e.fetchToStaging(ctx, url, staging); err != nil {
		// The staging artifact is already gone; the final path was never touched.
		_ = e.fs.Remove(staging)
		if ctx.Err() != nil {
			return run.Fail(entry.Name, probe.StateAbsent, run.ReasonCancelled, ctx.Err())
		}
		return run.Fail(entry.Name, probe.StateAbsent, run.ReasonNetworkFailure, err)
	}

	if err := probe.Verify(e.fs, staging, entry.SHA256, entry.Size); err != nil {
		_ = e.fs.Remove(staging)
		return run.Fail(entry.Name, probe.StateAbsent, run.ReasonVerificationMismatch, err)
	}

	if err := e.fs.Rename(staging, target); err != nil {
		_ = e.fs.Remove(staging)
		return run.Fail(entry.Name, probe.StateAbsent, run.ReasonStagingWriteFailure,
			fmt.Errorf("failed to publish %s: %w", target, err))
	}

	logger.Info("downloaded", logger.String("name", entry.Name))
	return run.Record{Name: entry.Name, PreviousState: probe.StateAbsent, Action: run.ActionDownloaded}
}

// fetchToStaging streams the response body into the staging path and checks
// completeness against Content-Length when the server provides one.
func (e *Engine) fetchToStaging(ctx context.Context, url, staging string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := e.fs.Create(staging)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	written, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write staging file: %w", err)
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("incomplete download: %d of %d bytes", written, resp.ContentLength)
	}
	return nil
}

// SweepStaging removes staging leftovers from interrupted prior runs. Final
// paths are never matched; only the staging suffix is swept.
func (e *Engine) SweepStaging() {
	matches, err := doublestar.Glob(iofs.New(e.fs), "**/*"+stagingSuffix)
	if err != nil {
		return
	}
	for _, m := range matches {
		logger.Warn("removing stale staging file", logger.String("path", m))
		_ = e.fs.Remove(m)
	}
}

// RewriteMirrorURL applies the huggingface mirror endpoint to a download URL.
// The mirror value is a host (optionally with scheme); it replaces the
// huggingface.co host, matching how HF_ENDPOINT mirrors behave.
func RewriteMirrorURL(url, hfMirror string) string {
	if hfMirror == "" || !strings.Contains(url, "huggingface.co") {
		return url
	}
	mirror := strings.TrimSuffix(hfMirror, "/")
	mirror = strings.TrimPrefix(mirror, "https://")
	mirror = strings.TrimPrefix(mirror, "http://")
	return strings.Replace(url, "huggingface.co", mirror, 1)
}

// retryLogger routes retryablehttp's internal logging to the bundlekit logger
// at debug level.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.Debug(fmt.Sprintf("http: %s %v", msg, keysAndValues))
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.Debug(fmt.Sprintf("http: %s %v", msg, keysAndValues))
}

func (retryLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(fmt.Sprintf("http: %s %v", msg, keysAndValues))
}

func (retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.Debug(fmt.Sprintf("http: %s %v", msg, keysAndValues))
}
