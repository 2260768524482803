package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/contentlayer/internal/config"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/storage"
)

func buildFlags(args ...string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	addBuildFlags(flags)
	flags.BoolP("watch", "w", false, "")
	_ = flags.Parse(args)

	return flags
}

func TestResolveBuildOptions(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		env       map[string]string
		wantPath  string
		wantWatch bool
		wantErr   bool
	}{
		{name: "defaults"},
		{name: "flags", args: []string{"-c", "site.yaml", "-w"}, wantPath: "site.yaml", wantWatch: true},
		{
			name:      "environment fallback",
			env:       map[string]string{"CONTENTLAYER_CONFIG_PATH": "env.yaml", "CONTENTLAYER_WATCH_MODE": "true"},
			wantPath:  "env.yaml",
			wantWatch: true,
		},
		{
			name:     "flags beat environment",
			args:     []string{"--config", "flag.yaml", "--watch=false"},
			env:      map[string]string{"CONTENTLAYER_CONFIG_PATH": "env.yaml", "CONTENTLAYER_WATCH_MODE": "1"},
			wantPath: "flag.yaml",
		},
		{
			name:    "bad watch mode",
			env:     map[string]string{"CONTENTLAYER_WATCH_MODE": "sometimes"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(k string) string { return tt.env[k] }
			opts, err := resolveBuildOptions(buildFlags(tt.args...), getenv)
			if tt.wantErr {
				require.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, opts.ConfigPath)
			assert.Equal(t, tt.wantWatch, opts.Watch)
			assert.NotEmpty(t, opts.Dir)
		})
	}
}

func TestWriteVersion(t *testing.T) {
	var text bytes.Buffer
	require.NoError(t, writeVersion(&text, "text", false))
	assert.Contains(t, text.String(), "contentlayer ")

	var raw bytes.Buffer
	require.NoError(t, writeVersion(&raw, "json", false))
	var info map[string]any
	require.NoError(t, json.Unmarshal(raw.Bytes(), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")
	assert.Contains(t, info, "release")
	assert.Contains(t, info, "dirty")

	assert.Error(t, writeVersion(&raw, "xml", false))
}

const siteConfig = `
contentDir: content
documentTypes:
  - name: Post
    source:
      patterns: ["posts/**/*.md"]
      transform: frontmatter
    fields:
      title: { type: string, required: true }
    computedFields:
      - slug: { type: string, resolver: slice, args: { field: title, end: 5 } }
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBuildOneShot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contentlayer.config.yaml"), siteConfig)
	writeFile(t, filepath.Join(dir, "content", "posts", "hello.md"), "---\ntitle: Hello World\n---\nBody\n")

	settings := config.Defaults()
	settings.Workers.Count = 2
	settings.Build.IndexDebounce = 20 * time.Millisecond
	opts := buildOptions{Dir: dir}

	require.NoError(t, build(context.Background(), opts, &settings, logging.Nop()))

	store := newStorage(dir, &settings)
	raw, err := os.ReadFile(store.ArtifactPath("Post", "posts/hello.md"))
	require.NoError(t, err)
	var artifact storage.Artifact
	require.NoError(t, json.Unmarshal(raw, &artifact))
	slug, ok := artifact.Fields.Get("slug")
	require.True(t, ok)
	s, _ := slug.Str()
	assert.Equal(t, "Hello", s)

	assert.FileExists(t, filepath.Join(dir, ".contentlayer", "cache.json"))
	assert.FileExists(t, filepath.Join(dir, ".contentlayer", "generated", "types.d.ts"))
	assert.FileExists(t, filepath.Join(store.TypeDir("Post"), "index.js"))
}

func TestBuildReportsInvalidDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contentlayer.config.yaml"), siteConfig)
	writeFile(t, filepath.Join(dir, "content", "posts", "untitled.md"), "no frontmatter here\n")

	settings := config.Defaults()
	err := build(context.Background(), buildOptions{Dir: dir}, &settings, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title")
}

func TestBuildWithoutConfiguration(t *testing.T) {
	settings := config.Defaults()
	err := build(context.Background(), buildOptions{Dir: t.TempDir()}, &settings, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content configuration found")
}
