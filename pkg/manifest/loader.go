package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/bundlekit/bundlekit/internal/assets"
)

// compiledEntrySchema validates the canonical array-of-objects manifest shape
// before decoding. Legacy keyed-map manifests are validated structurally after
// conversion instead.
var compiledEntrySchema *gojsonschema.Schema

func init() {
	sch, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(assets.ManifestEntrySchema()))
	if err != nil {
		panic(fmt.Sprintf("manifest: invalid embedded schema: %v", err))
	}
	compiledEntrySchema = sch
}

// legacyEntry is the shape used by the first-generation manifests: a JSON
// object keyed by entry id, with "url" for the source and "commit" for the pin.
type legacyEntry struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Commit    string `json:"commit"`
	Directory string `json:"directory"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
}

// Load reads, validates, and returns a manifest. JSON and YAML documents are
// accepted; JSON objects keyed by id are converted from the legacy layout.
// Any error here is fatal pre-flight: nothing has touched the sync root yet.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 - manifest path is caller-provided by design
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		m, err = decodeYAML(data)
	default:
		m, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

func decodeJSON(data []byte) (*Manifest, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	switch {
	case strings.HasPrefix(trimmed, "["):
		return decodeJSONArray(data)
	case strings.HasPrefix(trimmed, "{"):
		return decodeLegacyMap(data)
	default:
		return nil, fmt.Errorf("%w: expected a JSON array or object", ErrMalformed)
	}
}

func decodeJSONArray(data []byte) (*Manifest, error) {
	result, err := compiledEntrySchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, strings.Join(msgs, "; "))
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Manifest{Entries: entries}, nil
}

// decodeLegacyMap converts the keyed-map layout. Iteration order of a JSON
// object is not defined, so entries are ordered by key to keep runs
// deterministic.
func decodeLegacyMap(data []byte) (*Manifest, error) {
	var raw map[string]legacyEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(raw))
	for _, k := range keys {
		le := raw[k]
		name := le.Name
		if name == "" {
			name = k
		}
		entries = append(entries, Entry{
			Name:      name,
			Source:    le.URL,
			Ref:       le.Commit,
			Directory: le.Directory,
			SHA256:    le.SHA256,
			Size:      le.Size,
		})
	}
	return &Manifest{Entries: entries}, nil
}

func decodeYAML(data []byte) (*Manifest, error) {
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Manifest{Entries: entries}, nil
}
