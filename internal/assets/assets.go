// Package assets embeds the schemas bundlekit validates its inputs against.
// Embedding keeps the binary self-contained; nothing is resolved from the
// network or the working directory at validation time.
package assets

import (
	"embed"
)

//go:embed schemas
var schemas embed.FS

// ManifestEntrySchema returns the JSON Schema for the canonical
// array-of-objects manifest layout.
func ManifestEntrySchema() []byte {
	data, err := schemas.ReadFile("schemas/manifest-entry.v1.json")
	if err != nil {
		// The file is embedded at compile time; a read failure is a build defect.
		panic("assets: embedded manifest schema missing: " + err.Error())
	}
	return data
}
