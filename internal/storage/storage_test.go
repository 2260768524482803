package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
)

func built(documentType, id string, fields *schema.Fields) *document.BuiltDocument {
	return &document.BuiltDocument{
		DocumentType: documentType,
		Fields:       fields,
		Output:       source.NewOutput(id, source.Meta{"path": id}, nil),
	}
}

func TestHashID(t *testing.T) {
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", HashID("hello"))
	assert.Equal(t, HashID("hello"), HashID("hello"))
}

func TestWriteArtifact(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	doc := built("Post", "posts/hello.md", schema.FieldsOf("title", "Hello World", "slug", "Hello"))
	require.NoError(t, s.Write(context.Background(), doc))

	path := s.ArtifactPath("Post", "posts/hello.md")
	assert.Equal(t, filepath.Join(dir, "generated", "Post", HashID("posts/hello.md")+".json"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	want := `{
  "id": "posts/hello.md",
  "fields": {
    "title": "Hello World",
    "slug": "Hello"
  },
  "meta": {
    "path": "posts/hello.md"
  }
}`
	assert.Equal(t, want, string(raw))
}

func TestWriteIDs(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()
	hashes := NewIDHashes()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.Write(ctx, built("Post", id, schema.NewFields())))
	}
	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", []string{"a", "b"}))

	index, err := os.ReadFile(filepath.Join(dir, "generated", "Post", "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(index), `import document1 from "./`+HashID("a")+`.json" with { type: "json" }`)
	assert.Contains(t, string(index), "export default [document1, document2]")

	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", []string{"b"}))
	_, err = os.Stat(s.ArtifactPath("Post", "a"))
	assert.True(t, os.IsNotExist(err), "artifact for removed id should be deleted")
	_, err = os.Stat(s.ArtifactPath("Post", "b"))
	assert.NoError(t, err)

	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", nil))
	index, err = os.ReadFile(filepath.Join(dir, "generated", "Post", "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "export default []")
	_, err = os.Stat(s.ArtifactPath("Post", "b"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteIDsDeletesSeededLeftovers(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ctx := context.Background()

	// Artifacts left over from an earlier process.
	for _, id := range []string{"stale", "live"} {
		require.NoError(t, s.Write(ctx, built("Post", id, schema.NewFields())))
	}

	hashes := NewIDHashes()
	require.NoError(t, s.SeedIDs(hashes, "Post"))
	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", []string{"live"}))
	_, err := os.Stat(s.ArtifactPath("Post", "stale"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.ArtifactPath("Post", "live"))
	assert.NoError(t, err)
}

func TestWriteIDsKeepsArtifactsWrittenAfterSeeding(t *testing.T) {
	s := New(t.TempDir(), nil)
	ctx := context.Background()
	hashes := NewIDHashes()
	require.NoError(t, s.SeedIDs(hashes, "Post"))

	// An artifact persisted while its dispatch has not yet been recorded.
	require.NoError(t, s.Write(ctx, built("Post", "pending", schema.NewFields())))
	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", nil))
	assert.FileExists(t, s.ArtifactPath("Post", "pending"))

	// Seeding again does not replace what the last manifest recorded.
	require.NoError(t, s.SeedIDs(hashes, "Post"))
	require.NoError(t, s.WriteIDs(ctx, hashes, "Post", []string{"pending"}))
	assert.FileExists(t, s.ArtifactPath("Post", "pending"))
}

func TestWriteIDsMissingDirectory(t *testing.T) {
	s := New(t.TempDir(), nil)
	require.NoError(t, s.WriteIDs(context.Background(), NewIDHashes(), "Empty", nil))
}

func TestWriteIndex(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	post, err := document.New("Post", schema.Struct(schema.Field("title", schema.String())), nil)
	require.NoError(t, err)
	author, err := document.New("Author", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.WriteIndex(context.Background(), []*document.DocumentType{post, author}))

	var pkg map[string]any
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &pkg))
	assert.Equal(t, "module", pkg["type"])

	types, err := os.ReadFile(filepath.Join(dir, "generated", "types.d.ts"))
	require.NoError(t, err)
	assert.Contains(t, string(types), "export interface Post {")
	assert.Contains(t, string(types), "export interface Author {")

	dts, err := os.ReadFile(filepath.Join(dir, "generated.d.ts"))
	require.NoError(t, err)
	assert.Contains(t, string(dts), "export const allPosts: ReadonlyArray<Post>")

	js, err := os.ReadFile(filepath.Join(dir, "generated.js"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(js), "export { allPosts, allAuthors }\n"))
}
