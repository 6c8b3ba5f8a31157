// Package report turns per-entry outcome records into the run's outputs: the
// result manifest, the human-readable summary, the optional failures file,
// and the process exit code.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/bundlekit/bundlekit/pkg/exitcode"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/run"
)

// Summary aggregates the outcome of one run.
type Summary struct {
	records []run.Record
	orphans []string
}

// New builds a summary from the run's records and the orphan directories the
// prober found under the root.
func New(records []run.Record, orphans []string) *Summary {
	sorted := make([]run.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return &Summary{records: sorted, orphans: orphans}
}

// Failures returns the failed records, sorted by name.
func (s *Summary) Failures() []run.Record {
	var failures []run.Record
	for _, rec := range s.records {
		if rec.Failed() {
			failures = append(failures, rec)
		}
	}
	return failures
}

// ExitCode maps the run outcome to a process exit code: any per-entry failure
// makes the whole run fail.
func (s *Summary) ExitCode() int {
	if len(s.Failures()) > 0 {
		return exitcode.SyncFailures
	}
	return exitcode.Success
}

// ResultEntries builds the result manifest contents: every input entry whose
// record succeeded, with the resolved commit pinned into its ref. Failed
// entries are excluded; the result manifest only ever describes local state
// that actually exists.
func ResultEntries(m *manifest.Manifest, records []run.Record) []manifest.Entry {
	byName := make(map[string]run.Record, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	entries := make([]manifest.Entry, 0, len(m.Entries))
	for _, entry := range m.Entries {
		rec, ok := byName[entry.Name]
		if !ok || rec.Failed() {
			continue
		}
		if rec.Commit != "" {
			entry.Ref = rec.Commit
		}
		entries = append(entries, entry)
	}
	return entries
}

// WriteResultManifest writes the result manifest. The output path must differ
// from the input manifest path: the input is the operator's intent and is
// never overwritten with an outcome.
func WriteResultManifest(inputPath, outputPath string, entries []manifest.Entry) error {
	in, err := filepath.Abs(inputPath)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return err
	}
	if in == out {
		return fmt.Errorf("result manifest path %s must differ from the input manifest", outputPath)
	}
	return manifest.Write(outputPath, entries)
}

// WriteFailures persists the failed records as a JSON array for machine
// consumption. An empty array is written when the run was clean, so consumers
// can distinguish "no failures" from "file never produced".
func (s *Summary) WriteFailures(path string) error {
	failures := s.Failures()
	if failures == nil {
		failures = []run.Record{}
	}
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}
	data = append(data, '\n')
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create failures directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Render writes the human-readable summary: action counts, a table of
// failures, and the orphan directories that were left untouched.
func (s *Summary) Render(w io.Writer) {
	counts := make(map[run.Action]int)
	for _, rec := range s.records {
		counts[rec.Action]++
	}

	fmt.Fprintf(w, "Processed %d entries", len(s.records))
	for _, action := range []run.Action{
		run.ActionCloned, run.ActionUpdated, run.ActionDownloaded, run.ActionSkipped, run.ActionFailed,
	} {
		if n := counts[action]; n > 0 {
			fmt.Fprintf(w, ", %d %s", n, action)
		}
	}
	fmt.Fprintln(w)

	if failures := s.Failures(); len(failures) > 0 {
		fmt.Fprintln(w)
		table := newFailureTable(w)
		for _, rec := range failures {
			_ = table.Append([]string{rec.Name, string(rec.PreviousState), rec.Reason, rec.Error})
		}
		_ = table.Render()
	}

	if len(s.orphans) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Directories not claimed by the manifest (left untouched):")
		for _, orphan := range s.orphans {
			fmt.Fprintf(w, "  %s\n", orphan)
		}
	}
}

func newFailureTable(w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader([]string{"NAME", "STATE", "REASON", "ERROR"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}
