// Package storage persists built documents and the generated modules that
// index them.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
	"github.com/conneroisu/contentlayer/internal/typegen"
)

// deleteConcurrency bounds artifact removal in WriteIDs.
const deleteConcurrency = 15

var hashMemo sync.Map

// HashID returns the hex sha256 of id. Results are memoised.
func HashID(id string) string {
	if h, ok := hashMemo.Load(id); ok {
		return h.(string)
	}
	sum := sha256.Sum256([]byte(id))
	h := hex.EncodeToString(sum[:])
	hashMemo.Store(id, h)

	return h
}

// Storage writes artifacts under <dir>/generated.
type Storage struct {
	dir      string
	renderer typegen.Renderer
}

// New creates a storage rooted at outputDir. A nil renderer defaults to
// TypeScript.
func New(outputDir string, renderer typegen.Renderer) *Storage {
	if renderer == nil {
		renderer = typegen.TypeScript{}
	}

	return &Storage{dir: outputDir, renderer: renderer}
}

// Dir returns the output directory.
func (s *Storage) Dir() string { return s.dir }

// TypeDir returns the directory holding the artifacts of documentType.
func (s *Storage) TypeDir(documentType string) string {
	return filepath.Join(s.dir, "generated", documentType)
}

// ArtifactPath returns where the artifact for id is written.
func (s *Storage) ArtifactPath(documentType, id string) string {
	return filepath.Join(s.TypeDir(documentType), HashID(id)+".json")
}

// Artifact is the persisted form of a document.
type Artifact struct {
	ID     string         `json:"id"`
	Fields *schema.Fields `json:"fields"`
	Meta   source.Meta    `json:"meta"`
}

// Write persists doc.
func (s *Storage) Write(_ context.Context, doc *document.BuiltDocument) error {
	meta := doc.Output.Meta
	if meta == nil {
		meta = source.Meta{}
	}
	data, err := json.MarshalIndent(Artifact{ID: doc.Output.ID, Fields: doc.Fields, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", doc.DocumentType, doc.Output.ID, err)
	}

	return writeFile(s.ArtifactPath(doc.DocumentType, doc.Output.ID), data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// IDHashes remembers, per document type, which artifact hashes the last
// manifest referenced. Each orchestrator owns one.
type IDHashes struct {
	mu     sync.Mutex
	byType map[string][]string
}

// NewIDHashes creates an empty set.
func NewIDHashes() *IDHashes {
	return &IDHashes{byType: make(map[string][]string)}
}

func (h *IDHashes) previous(documentType string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.byType[documentType]
}

func (h *IDHashes) seeded(documentType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.byType[documentType]

	return ok
}

// SeedIDs records the artifacts already on disk for each document type not
// yet known to hashes, so the next manifest write can delete leftovers. It
// must run before any document of those types is dispatched.
func (s *Storage) SeedIDs(hashes *IDHashes, documentTypes ...string) error {
	for _, documentType := range documentTypes {
		if hashes.seeded(documentType) {
			continue
		}
		dir := s.TypeDir(documentType)
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("listing %s: %w", dir, err)
		}
		found := []string{}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			found = append(found, strings.TrimSuffix(name, ".json"))
		}
		hashes.store(documentType, found)
	}

	return nil
}

func (h *IDHashes) store(documentType string, hashes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byType[documentType] = hashes
}

// WriteIDs rewrites the manifest of documentType to reference ids, in order,
// and deletes artifacts the previous manifest or SeedIDs knew of that are no
// longer referenced. Deletion failures are ignored.
func (s *Storage) WriteIDs(_ context.Context, hashes *IDHashes, documentType string, ids []string) error {
	dir := s.TypeDir(documentType)
	previous := hashes.previous(documentType)

	current := make([]string, len(ids))
	keep := make(map[string]struct{}, len(ids))
	var imports, exports []string
	for i, id := range ids {
		h := HashID(id)
		current[i] = h
		keep[h] = struct{}{}
		imports = append(imports, fmt.Sprintf("import document%d from \"./%s.json\" with { type: \"json\" }", i+1, h))
		exports = append(exports, fmt.Sprintf("document%d", i+1))
	}

	var js strings.Builder
	js.WriteString(strings.Join(imports, "\n"))
	js.WriteString("\n\nexport default [" + strings.Join(exports, ", ") + "]\n")
	if err := writeFile(filepath.Join(dir, "index.js"), []byte(js.String())); err != nil {
		return err
	}
	dts := fmt.Sprintf("import type { %[1]s } from \"../types.d.ts\"\n\ndeclare const documents: ReadonlyArray<%[1]s>\nexport default documents\n", documentType)
	if err := writeFile(filepath.Join(dir, "index.d.ts"), []byte(dts)); err != nil {
		return err
	}
	hashes.store(documentType, current)

	var g errgroup.Group
	g.SetLimit(deleteConcurrency)
	for _, h := range previous {
		if _, ok := keep[h]; ok {
			continue
		}
		g.Go(func() error {
			_ = os.Remove(filepath.Join(dir, h+".json"))

			return nil
		})
	}
	_ = g.Wait()

	return nil
}

// WriteIndex writes the cross-type declarations and the root modules that
// re-export every collection.
func (s *Storage) WriteIndex(_ context.Context, types []*document.DocumentType) error {
	pkg := map[string]any{
		"name": "contentlayer-generated",
		"type": "module",
		"typesVersions": map[string]any{
			"*": map[string]any{"generated": []string{"./generated"}},
		},
		"exports": map[string]any{".": "./generated.js"},
	}
	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding package.json: %w", err)
	}
	if err := writeFile(filepath.Join(s.dir, "package.json"), append(pkgJSON, '\n')); err != nil {
		return err
	}

	if err := writeFile(filepath.Join(s.dir, "generated", "types.d.ts"), []byte(typegen.RenderAll(s.renderer, types))); err != nil {
		return err
	}

	names := make([]string, len(types))
	var decls, imports, exports []string
	for i, dt := range types {
		names[i] = dt.Name
		collection := "all" + dt.Name + "s"
		decls = append(decls, fmt.Sprintf("export const %s: ReadonlyArray<%s>", collection, dt.Name))
		imports = append(imports, fmt.Sprintf("import %s from \"./generated/%s/index.js\"", collection, dt.Name))
		exports = append(exports, collection)
	}

	dts := fmt.Sprintf("import type { %s } from \"./generated/types.d.ts\"\n\nexport * from \"./generated/types.d.ts\"\n\n%s\n",
		strings.Join(names, ", "), strings.Join(decls, "\n\n"))
	if err := writeFile(filepath.Join(s.dir, "generated.d.ts"), []byte(dts)); err != nil {
		return err
	}

	js := fmt.Sprintf("%s\n\nexport { %s }\n", strings.Join(imports, "\n"), strings.Join(exports, ", "))

	return writeFile(filepath.Join(s.dir, "generated.js"), []byte(js))
}
