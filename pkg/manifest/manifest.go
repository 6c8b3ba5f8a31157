// Package manifest loads and writes the declarative entry lists that drive
// the bundlekit sync engines.
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinel errors for the fatal pre-flight failure classes. All of them abort
// a run before any filesystem mutation.
var (
	ErrMalformed     = errors.New("malformed manifest")
	ErrDuplicateName = errors.New("duplicate entry name")
	ErrUnsafePath    = errors.New("entry path escapes root")
)

// Entry is one named item in a manifest: a plugin repository or an asset file.
// Ref carries a version pin for repositories (branch, tag, or commit); empty
// means default-branch tip. Directory is an optional subdirectory under the
// root, used by asset manifests. SHA256 and Size are optional verification
// hints for downloaded assets.
type Entry struct {
	Name      string `json:"name" yaml:"name"`
	Source    string `json:"source" yaml:"source"`
	Ref       string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`
	SHA256    string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Size      int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// TargetRel returns the entry's path relative to the sync root.
func (e Entry) TargetRel() string {
	if e.Directory != "" {
		return filepath.Join(e.Directory, e.Name)
	}
	return e.Name
}

// LocalPath returns the entry's absolute location under root. The root-per-name
// layout is part of the external contract: downstream packaging mounts the
// root wholesale.
func (e Entry) LocalPath(root string) string {
	return filepath.Join(root, e.TargetRel())
}

// Manifest is an ordered set of entries.
type Manifest struct {
	Entries []Entry
}

// Validate enforces the structural invariants: non-empty name and source,
// unique names, and no path escaping the sync root. Names are single path
// elements, so name uniqueness also keeps local target paths disjoint.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Entries))

	for i, e := range m.Entries {
		if e.Name == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrMalformed, i)
		}
		if e.Source == "" {
			return fmt.Errorf("%w: entry %q has no source", ErrMalformed, e.Name)
		}
		if err := checkEntryPath(e); err != nil {
			return err
		}

		if _, ok := seen[e.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	return nil
}

// checkEntryPath rejects names and directories that would resolve outside the
// sync root. Names must be a single path element.
func checkEntryPath(e Entry) error {
	if strings.ContainsAny(e.Name, `/\`) {
		return fmt.Errorf("%w: name %q contains a path separator", ErrUnsafePath, e.Name)
	}
	if e.Name == "." || e.Name == ".." {
		return fmt.Errorf("%w: name %q", ErrUnsafePath, e.Name)
	}

	if e.Directory == "" {
		return nil
	}
	if filepath.IsAbs(e.Directory) {
		return fmt.Errorf("%w: directory %q is absolute", ErrUnsafePath, e.Directory)
	}
	clean := filepath.ToSlash(filepath.Clean(e.Directory))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: directory %q", ErrUnsafePath, e.Directory)
	}
	return nil
}
