// Package buildconfig compiles content configuration files into BuildConfig
// snapshots and publishes them as they change.
package buildconfig

import (
	"context"
	"fmt"

	"github.com/conneroisu/contentlayer/internal/document"
)

// ConfigPath locates a content configuration. Path is the absolute file the
// configuration is compiled from; Entrypoint is the path the user gave.
type ConfigPath struct {
	Path       string `json:"path"`
	Entrypoint string `json:"entrypoint"`
}

// BuildConfig is one immutable configuration snapshot.
type BuildConfig struct {
	Hash          string
	DocumentTypes []*document.DocumentType
	Path          ConfigPath
}

// New assembles a BuildConfig from programmatic document types.
func New(hash string, path ConfigPath, types ...*document.DocumentType) (*BuildConfig, error) {
	seen := make(map[string]bool, len(types))
	for _, dt := range types {
		if dt == nil {
			return nil, fmt.Errorf("nil document type")
		}
		if seen[dt.Name] {
			return nil, fmt.Errorf("document type %q is defined twice", dt.Name)
		}
		if dt.Source == nil {
			return nil, fmt.Errorf("document type %q has no source", dt.Name)
		}
		seen[dt.Name] = true
	}

	return &BuildConfig{Hash: hash, DocumentTypes: types, Path: path}, nil
}

// Lookup finds a document type by name.
func (c *BuildConfig) Lookup(name string) (*document.DocumentType, bool) {
	for _, dt := range c.DocumentTypes {
		if dt.Name == name {
			return dt, true
		}
	}

	return nil, false
}

// Names returns the document type names in declaration order.
func (c *BuildConfig) Names() []string {
	names := make([]string, len(c.DocumentTypes))
	for i, dt := range c.DocumentTypes {
		names[i] = dt.Name
	}

	return names
}

// LoadFunc resolves a ConfigPath to a compiled configuration. Workers use it
// to rebuild the configuration a request refers to.
type LoadFunc func(ctx context.Context, path ConfigPath) (*BuildConfig, error)
