package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
	"github.com/bundlekit/bundlekit/pkg/run"
)

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// assetServer serves one payload and counts how often it is asked for it.
func assetServer(t *testing.T, payload string) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func newTestEngine(fs billy.Filesystem) *Engine {
	return NewEngine(fs, Options{RetryMax: 0}, "", false)
}

func readFile(t *testing.T, fs billy.Filesystem, path string) string {
	t.Helper()

	data, err := util.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestFetchEntry_DownloadsAndVerifies(t *testing.T) {
	const payload = "model weights"
	server, hits := assetServer(t, payload)
	fs := memfs.New()
	engine := newTestEngine(fs)

	entry := manifest.Entry{
		Name:      "weights.bin",
		Source:    server.URL + "/weights.bin",
		Directory: "models",
		SHA256:    sha256Hex(payload),
		Size:      int64(len(payload)),
	}

	rec := engine.FetchEntry(context.Background(), entry)
	if rec.Action != run.ActionDownloaded {
		t.Fatalf("action = %v (%s), want downloaded", rec.Action, rec.Error)
	}
	if rec.PreviousState != probe.StateAbsent {
		t.Errorf("previous state = %v, want absent", rec.PreviousState)
	}
	if got := readFile(t, fs, "models/weights.bin"); got != payload {
		t.Errorf("published content = %q, want %q", got, payload)
	}
	if _, err := fs.Stat("models/weights.bin" + stagingSuffix); !os.IsNotExist(err) {
		t.Error("staging file must not survive a successful publish")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestFetchEntry_SecondRunDownloadsNothing(t *testing.T) {
	const payload = "model weights"
	server, hits := assetServer(t, payload)
	fs := memfs.New()
	engine := newTestEngine(fs)

	entry := manifest.Entry{
		Name:   "weights.bin",
		Source: server.URL + "/weights.bin",
		SHA256: sha256Hex(payload),
		Size:   int64(len(payload)),
	}

	if rec := engine.FetchEntry(context.Background(), entry); rec.Failed() {
		t.Fatalf("initial fetch failed: %s", rec.Error)
	}

	rec := engine.FetchEntry(context.Background(), entry)
	if rec.Action != run.ActionSkipped {
		t.Fatalf("action = %v, want skipped", rec.Action)
	}
	if rec.PreviousState != probe.StatePresent {
		t.Errorf("previous state = %v, want present", rec.PreviousState)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (re-run must not re-download)", hits.Load())
	}
}

func TestFetchEntry_ChecksumMismatchDiscardsStaging(t *testing.T) {
	server, _ := assetServer(t, "corrupted payload")
	fs := memfs.New()
	engine := newTestEngine(fs)

	entry := manifest.Entry{
		Name:   "weights.bin",
		Source: server.URL + "/weights.bin",
		SHA256: sha256Hex("the expected payload"),
	}

	rec := engine.FetchEntry(context.Background(), entry)
	if !rec.Failed() || rec.Reason != run.ReasonVerificationMismatch {
		t.Fatalf("expected verification-mismatch, got %v/%s", rec.Action, rec.Reason)
	}
	if _, err := fs.Stat("weights.bin"); !os.IsNotExist(err) {
		t.Error("failed verification must never publish to the final path")
	}
	if _, err := fs.Stat("weights.bin" + stagingSuffix); !os.IsNotExist(err) {
		t.Error("failed verification must discard the staging file")
	}
}

func TestFetchEntry_TruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = w.Write([]byte("short"))
	}))
	t.Cleanup(server.Close)

	fs := memfs.New()
	engine := newTestEngine(fs)
	entry := manifest.Entry{Name: "weights.bin", Source: server.URL + "/weights.bin"}

	rec := engine.FetchEntry(context.Background(), entry)
	if !rec.Failed() || rec.Reason != run.ReasonNetworkFailure {
		t.Fatalf("expected network-failure, got %v/%s", rec.Action, rec.Reason)
	}
	if _, err := fs.Stat("weights.bin"); !os.IsNotExist(err) {
		t.Error("truncated download must not reach the final path")
	}
}

func TestFetchEntry_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	fs := memfs.New()
	engine := newTestEngine(fs)
	entry := manifest.Entry{Name: "weights.bin", Source: server.URL + "/missing.bin"}

	rec := engine.FetchEntry(context.Background(), entry)
	if !rec.Failed() || rec.Reason != run.ReasonNetworkFailure {
		t.Fatalf("expected network-failure, got %v/%s", rec.Action, rec.Reason)
	}
}

func TestFetchEntry_ConflictingExistingFile(t *testing.T) {
	server, hits := assetServer(t, "upstream payload")
	fs := memfs.New()
	engine := newTestEngine(fs)

	if err := util.WriteFile(fs, "weights.bin", []byte("local file, different content"), 0o640); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}

	entry := manifest.Entry{
		Name:   "weights.bin",
		Source: server.URL + "/weights.bin",
		SHA256: sha256Hex("upstream payload"),
	}

	rec := engine.FetchEntry(context.Background(), entry)
	if !rec.Failed() || rec.Reason != run.ReasonVerificationMismatch {
		t.Fatalf("expected verification-mismatch, got %v/%s", rec.Action, rec.Reason)
	}
	if rec.PreviousState != probe.StateConflicting {
		t.Errorf("previous state = %v, want conflicting", rec.PreviousState)
	}
	if got := readFile(t, fs, "weights.bin"); got != "local file, different content" {
		t.Errorf("conflicting local file was overwritten: %q", got)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, conflicting entries must not be downloaded", hits.Load())
	}
}

func TestFetchEntry_DryRunTouchesNothing(t *testing.T) {
	server, hits := assetServer(t, "payload")
	fs := memfs.New()
	engine := NewEngine(fs, Options{RetryMax: 0}, "", true)

	entry := manifest.Entry{Name: "weights.bin", Source: server.URL + "/weights.bin"}

	rec := engine.FetchEntry(context.Background(), entry)
	if rec.Action != run.ActionDownloaded {
		t.Fatalf("action = %v, want downloaded (dry-run)", rec.Action)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, dry-run must not download", hits.Load())
	}
	if _, err := fs.Stat("weights.bin"); !os.IsNotExist(err) {
		t.Error("dry-run must not write files")
	}
}

func TestFetchEntry_FailuresAreIsolated(t *testing.T) {
	const payload = "good payload"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.bin" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)

	fs := memfs.New()
	engine := newTestEngine(fs)
	entries := []manifest.Entry{
		{Name: "bad.bin", Source: server.URL + "/bad.bin"},
		{Name: "good.bin", Source: server.URL + "/good.bin", SHA256: sha256Hex(payload)},
	}

	records := make([]run.Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, engine.FetchEntry(context.Background(), entry))
	}

	if !records[0].Failed() {
		t.Error("expected bad.bin to fail")
	}
	if records[1].Failed() {
		t.Errorf("good.bin must not be affected by bad.bin: %s", records[1].Error)
	}
	if got := readFile(t, fs, "good.bin"); got != payload {
		t.Errorf("good.bin content = %q, want %q", got, payload)
	}
}

func TestSweepStaging(t *testing.T) {
	fs := memfs.New()
	files := map[string]string{
		"weights.bin":                     "published",
		"weights.bin" + stagingSuffix:     "interrupted",
		"models/deep.bin" + stagingSuffix: "interrupted nested",
		"models/keep.bin":                 "published nested",
	}
	for path, content := range files {
		if err := util.WriteFile(fs, path, []byte(content), 0o640); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}

	newTestEngine(fs).SweepStaging()

	for _, gone := range []string{"weights.bin" + stagingSuffix, "models/deep.bin" + stagingSuffix} {
		if _, err := fs.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("expected %s to be swept", gone)
		}
	}
	for _, kept := range []string{"weights.bin", "models/keep.bin"} {
		if _, err := fs.Stat(kept); err != nil {
			t.Errorf("sweep must not touch %s: %v", kept, err)
		}
	}
}

func TestRewriteMirrorURL(t *testing.T) {
	cases := []struct {
		url, mirror, want string
	}{
		{"https://huggingface.co/org/model/file.bin", "", "https://huggingface.co/org/model/file.bin"},
		{"https://huggingface.co/org/model/file.bin", "hf-mirror.example.com", "https://hf-mirror.example.com/org/model/file.bin"},
		{"https://huggingface.co/org/model/file.bin", "https://hf-mirror.example.com/", "https://hf-mirror.example.com/org/model/file.bin"},
		{"https://example.com/file.bin", "hf-mirror.example.com", "https://example.com/file.bin"},
	}
	for _, tc := range cases {
		if got := RewriteMirrorURL(tc.url, tc.mirror); got != tc.want {
			t.Errorf("RewriteMirrorURL(%q, %q) = %q, want %q", tc.url, tc.mirror, got, tc.want)
		}
	}
}
