// Package transform turns raw content into fields: YAML frontmatter for
// markdown documents and whole-file YAML or JSON for data documents.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
)

// Names accepted by ByName.
const (
	NameAuto        = "auto"
	NameFrontmatter = "frontmatter"
	NameData        = "data"
	NameNone        = "none"
)

// ByName returns the transform registered under name. An empty name is auto.
func ByName(name string) (source.Transform, error) {
	switch strings.ToLower(name) {
	case "", NameAuto:
		return ByExtension(), nil
	case NameFrontmatter:
		return Frontmatter(), nil
	case NameData:
		return Data(), nil
	case NameNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

// Frontmatter splits a leading "---" YAML block into fields. The remainder is
// stored as body and the full text as rawBody.
func Frontmatter() source.Transform {
	return source.TransformFunc(func(ctx context.Context, out source.Output) (source.Output, error) {
		content, err := out.Content(ctx)
		if err != nil {
			return out, fmt.Errorf("reading content: %w", err)
		}
		front, body, ok := splitFrontmatter(content)
		fields := schema.NewFields()
		if ok {
			parsed, err := parseYAML(front)
			if err != nil {
				return out, fmt.Errorf("parsing frontmatter: %w", err)
			}
			fields = parsed
			fields.Set("rawBody", schema.StringValue(string(content)))
		}
		fields.Set("body", schema.StringValue(string(body)))

		return out.WithFields(fields), nil
	})
}

// Data parses the whole file as YAML, JSON or JSON with comments depending on
// its extension.
func Data() source.Transform {
	return source.TransformFunc(func(ctx context.Context, out source.Output) (source.Output, error) {
		content, err := out.Content(ctx)
		if err != nil {
			return out, fmt.Errorf("reading content: %w", err)
		}
		var fields *schema.Fields
		switch extension(out) {
		case ".json", ".jsonc", ".json5":
			fields, err = parseJSON(content)
		default:
			fields, err = parseYAML(content)
		}
		if err != nil {
			return out, fmt.Errorf("parsing %s: %w", out.ID, err)
		}

		return out.WithFields(fields), nil
	})
}

// ByExtension picks Frontmatter for markdown files and Data for YAML and JSON
// files. Other files pass through with only their body set.
func ByExtension() source.Transform {
	front, data := Frontmatter(), Data()

	return source.TransformFunc(func(ctx context.Context, out source.Output) (source.Output, error) {
		switch extension(out) {
		case ".yaml", ".yml", ".json", ".jsonc", ".json5":
			return data.Apply(ctx, out)
		default:
			return front.Apply(ctx, out)
		}
	})
}

func extension(out source.Output) string {
	if ext, ok := out.Meta["ext"].(string); ok && ext != "" {
		return strings.ToLower(ext)
	}

	return strings.ToLower(path.Ext(out.ID))
}

var (
	bom       = []byte("\xef\xbb\xbf")
	delimiter = []byte("---")
)

// splitFrontmatter returns the YAML block and the body following it.
func splitFrontmatter(content []byte) (front, body []byte, ok bool) {
	text := bytes.TrimPrefix(content, bom)
	first, rest, found := cutLine(text)
	if !found || !bytes.Equal(bytes.TrimRight(first, " \t"), delimiter) {
		return nil, content, false
	}
	offset := 0
	for {
		line, remaining, more := cutLine(rest[offset:])
		trimmed := bytes.TrimRight(line, " \t")
		if bytes.Equal(trimmed, delimiter) || bytes.Equal(trimmed, []byte("...")) {
			front = rest[:offset]
			body = bytes.TrimLeft(remaining, "\r\n")

			return front, body, true
		}
		if !more {
			return nil, content, false
		}
		offset = len(rest) - len(remaining)
	}
}

func cutLine(b []byte) (line, rest []byte, more bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimSuffix(b, []byte("\r")), nil, false
	}

	return bytes.TrimSuffix(b[:i], []byte("\r")), b[i+1:], true
}

func parseYAML(data []byte) (*schema.Fields, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return schema.NewFields(), nil
	}
	v, err := FromYAML(doc.Content[0])
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return schema.NewFields(), nil
	}
	m, ok := v.Map()
	if !ok {
		return nil, fmt.Errorf("expected a mapping at the top level, got %s", v.Kind())
	}

	return m, nil
}

func parseJSON(data []byte) (*schema.Fields, error) {
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	fields := schema.NewFields()
	if err := fields.UnmarshalJSON(standard); err != nil {
		return nil, err
	}

	return fields, nil
}

// FromYAML converts a YAML node into a Value, keeping mapping key order.
func FromYAML(node *yaml.Node) (schema.Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return schema.NullValue(), nil
		}

		return FromYAML(node.Content[0])
	case yaml.AliasNode:
		return FromYAML(node.Alias)
	case yaml.MappingNode:
		fields := schema.NewFields()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if key.Tag == "!!merge" {
				merged, err := FromYAML(node.Content[i+1])
				if err != nil {
					return schema.Value{}, err
				}
				if m, ok := merged.Map(); ok {
					fields = fields.Merge(m)
				}

				continue
			}
			value, err := FromYAML(node.Content[i+1])
			if err != nil {
				return schema.Value{}, fmt.Errorf("key %q: %w", key.Value, err)
			}
			fields.Set(key.Value, value)
		}

		return schema.MapValue(fields), nil
	case yaml.SequenceNode:
		items := make([]schema.Value, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := FromYAML(child)
			if err != nil {
				return schema.Value{}, err
			}
			items = append(items, item)
		}

		return schema.ListValue(items...), nil
	case yaml.ScalarNode:
		var decoded any
		if err := node.Decode(&decoded); err != nil {
			return schema.Value{}, fmt.Errorf("line %d: %w", node.Line, err)
		}

		return schema.FromAny(decoded)
	default:
		return schema.Value{}, fmt.Errorf("unsupported YAML node kind %d", node.Kind)
	}
}
