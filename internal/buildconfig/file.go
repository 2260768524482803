package buildconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
	"github.com/conneroisu/contentlayer/internal/transform"
)

// DefaultConfigFiles are tried in order when no config path is given.
var DefaultConfigFiles = []string{
	"contentlayer.config.yaml",
	"contentlayer.config.yml",
	"contentlayer.config.json",
	"contentlayer.config.jsonc",
}

// Options controls how configuration files are compiled.
type Options struct {
	Registry *Registry
	// SourceDebounce is passed to every filesystem source.
	SourceDebounce time.Duration
	Logger         logging.Logger
}

func (o Options) registry() *Registry {
	if o.Registry == nil {
		return DefaultRegistry("")
	}

	return o.Registry
}

type fileConfig struct {
	ContentDir    string               `yaml:"contentDir"`
	DocumentTypes []documentTypeConfig `yaml:"documentTypes"`
}

type documentTypeConfig struct {
	Name           string       `yaml:"name"`
	Description    string       `yaml:"description"`
	Source         sourceConfig `yaml:"source"`
	Fields         yaml.Node    `yaml:"fields"`
	ComputedFields []yaml.Node  `yaml:"computedFields"`
}

type sourceConfig struct {
	Patterns  []string `yaml:"patterns"`
	Transform string   `yaml:"transform"`
}

type fieldConfig struct {
	Type        string       `yaml:"type"`
	Description string       `yaml:"description"`
	Required    bool         `yaml:"required"`
	Default     *yaml.Node   `yaml:"default"`
	Of          *fieldConfig `yaml:"of"`
	Values      []yaml.Node  `yaml:"values"`
	Fields      yaml.Node    `yaml:"fields"`
}

type computedConfig struct {
	fieldConfig `yaml:",inline"`
	Resolver    string    `yaml:"resolver"`
	Args        yaml.Node `yaml:"args"`
}

// Resolve finds the configuration file to use. An explicit path must exist;
// otherwise the default names are tried in dir.
func Resolve(dir, explicit string) (ConfigPath, error) {
	candidates := DefaultConfigFiles
	if explicit != "" {
		candidates = []string{explicit}
	}
	for _, c := range candidates {
		full := c
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, c)
		}
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(full)
			if err != nil {
				return ConfigPath{}, err
			}

			return ConfigPath{Path: abs, Entrypoint: c}, nil
		}
	}

	return ConfigPath{}, fmt.Errorf("no content configuration found (tried %s)", strings.Join(candidates, ", "))
}

// FromPath reads and compiles the configuration at path.
func FromPath(path ConfigPath, opts Options) (*BuildConfig, error) {
	data, err := os.ReadFile(path.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path.Path, err)
	}

	return Compile(path, data, opts)
}

// FileLoadFunc returns a LoadFunc compiling configuration files with opts.
func FileLoadFunc(opts Options) LoadFunc {
	return func(_ context.Context, path ConfigPath) (*BuildConfig, error) {
		return FromPath(path, opts)
	}
}

// Hash fingerprints configuration bytes together with the resolver set.
func Hash(data []byte, registry *Registry) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(registry.Fingerprint()))

	return hex.EncodeToString(h.Sum(nil))
}

// Compile parses configuration bytes. JSON files may contain comments and
// trailing commas.
func Compile(path ConfigPath, data []byte, opts Options) (*BuildConfig, error) {
	registry := opts.registry()
	parseable := data
	switch strings.ToLower(filepath.Ext(path.Path)) {
	case ".json", ".jsonc":
		standard, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path.Entrypoint, err)
		}
		parseable = standard
	}

	var fc fileConfig
	if err := yaml.Unmarshal(parseable, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path.Entrypoint, err)
	}
	if len(fc.DocumentTypes) == 0 {
		return nil, fmt.Errorf("%s: no documentTypes defined", path.Entrypoint)
	}

	root := filepath.Join(filepath.Dir(path.Path), fc.ContentDir)
	types := make([]*document.DocumentType, 0, len(fc.DocumentTypes))
	for _, dtc := range fc.DocumentTypes {
		dt, err := compileDocumentType(dtc, root, registry, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Entrypoint, err)
		}
		types = append(types, dt)
	}

	cfg, err := New(Hash(data, registry), path, types...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path.Entrypoint, err)
	}

	return cfg, nil
}

func compileDocumentType(dtc documentTypeConfig, root string, registry *Registry, opts Options) (*document.DocumentType, error) {
	if len(dtc.Source.Patterns) == 0 {
		return nil, fmt.Errorf("document type %q: source.patterns is required", dtc.Name)
	}
	fields, err := compileStruct(&dtc.Fields)
	if err != nil {
		return nil, fmt.Errorf("document type %q: %w", dtc.Name, err)
	}

	var src source.Source = source.FileSystem(source.FileSystemOptions{
		Patterns: dtc.Source.Patterns,
		Root:     root,
		Debounce: opts.SourceDebounce,
		Logger:   opts.Logger,
	})
	tr, err := transform.ByName(dtc.Source.Transform)
	if err != nil {
		return nil, fmt.Errorf("document type %q: %w", dtc.Name, err)
	}
	if tr != nil {
		src = source.WithTransforms(src, tr)
	}

	dt, err := document.New(dtc.Name, fields, src, document.WithDescription(dtc.Description))
	if err != nil {
		return nil, err
	}

	for i := range dtc.ComputedFields {
		group, err := compileGroup(&dtc.ComputedFields[i], registry)
		if err != nil {
			return nil, fmt.Errorf("document type %q computedFields[%d]: %w", dtc.Name, i, err)
		}
		if err := dt.AddComputedFields(group...); err != nil {
			return nil, err
		}
	}

	return dt, nil
}

// mappingPairs walks a mapping node in document order.
func mappingPairs(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}

	return nil
}

func compileStruct(node *yaml.Node) (*schema.StructSchema, error) {
	var defs []schema.FieldDef
	err := mappingPairs(node, func(name string, value *yaml.Node) error {
		var fc fieldConfig
		if err := value.Decode(&fc); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		def, err := compileFieldDef(name, &fc)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		defs = append(defs, def)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return schema.Struct(defs...), nil
}

func compileFieldDef(name string, fc *fieldConfig) (schema.FieldDef, error) {
	s, err := compileSchema(fc)
	if err != nil {
		return schema.FieldDef{}, err
	}
	var def schema.FieldDef
	switch {
	case fc.Default != nil:
		var raw any
		if err := fc.Default.Decode(&raw); err != nil {
			return schema.FieldDef{}, fmt.Errorf("default: %w", err)
		}
		if _, err := schema.FromAny(raw); err != nil {
			return schema.FieldDef{}, fmt.Errorf("default: %w", err)
		}
		def = schema.WithDefault(name, s, raw)
	case fc.Required:
		def = schema.Field(name, s)
	default:
		def = schema.Optional(name, s)
	}

	return def.Describe(fc.Description), nil
}

func compileSchema(fc *fieldConfig) (schema.Schema, error) {
	switch fc.Type {
	case "string":
		return schema.String(), nil
	case "nonEmptyString":
		return schema.NonEmptyString(), nil
	case "number":
		return schema.Number(), nil
	case "integer":
		return schema.Integer(), nil
	case "boolean":
		return schema.Boolean(), nil
	case "date":
		return schema.Date(), nil
	case "unknown", "json":
		return schema.Unknown(), nil
	case "enum":
		if len(fc.Values) == 0 {
			return nil, fmt.Errorf("enum requires values")
		}
		values := make([]any, len(fc.Values))
		for i := range fc.Values {
			if err := fc.Values[i].Decode(&values[i]); err != nil {
				return nil, fmt.Errorf("enum value %d: %w", i, err)
			}
		}

		return schema.Literal(values...), nil
	case "list":
		if fc.Of == nil {
			return schema.List(schema.Unknown()), nil
		}
		elem, err := compileSchema(fc.Of)
		if err != nil {
			return nil, fmt.Errorf("of: %w", err)
		}

		return schema.List(elem), nil
	case "record":
		if fc.Of == nil {
			return schema.Record(schema.Unknown()), nil
		}
		elem, err := compileSchema(fc.Of)
		if err != nil {
			return nil, fmt.Errorf("of: %w", err)
		}

		return schema.Record(elem), nil
	case "object":
		return compileStruct(&fc.Fields)
	case "":
		return nil, fmt.Errorf("type is required")
	default:
		return nil, fmt.Errorf("unknown field type %q", fc.Type)
	}
}

func compileGroup(node *yaml.Node, registry *Registry) ([]document.ComputedField, error) {
	var group []document.ComputedField
	err := mappingPairs(node, func(name string, value *yaml.Node) error {
		var cc computedConfig
		if err := value.Decode(&cc); err != nil {
			return fmt.Errorf("computed field %q: %w", name, err)
		}
		s := schema.Unknown()
		if cc.Type != "" {
			var err error
			if s, err = compileSchema(&cc.fieldConfig); err != nil {
				return fmt.Errorf("computed field %q: %w", name, err)
			}
		}
		args := Args{}
		if cc.Args.Kind != 0 {
			if err := cc.Args.Decode(&args); err != nil {
				return fmt.Errorf("computed field %q args: %w", name, err)
			}
		}
		resolve, err := registry.Build(cc.Resolver, args)
		if err != nil {
			return fmt.Errorf("computed field %q: %w", name, err)
		}
		group = append(group, document.ComputedField{
			Name:        name,
			Description: cc.Description,
			Schema:      s,
			Resolve:     resolve,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("empty computed field group")
	}

	return group, nil
}
