package buildconfig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"text/template"
	"unicode"

	"golang.org/x/text/runes"
	xtransform "golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
)

// Args are the resolver arguments declared in a configuration file.
type Args map[string]any

// String returns the string argument key, or def when absent.
func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}

	return s, nil
}

// Int returns the integer argument key, or def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("argument %q must be an integer, got %v", key, n)
		}

		return int(n), nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", key, v)
	}
}

// Strings returns the string list argument key.
func (a Args) Strings(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be a list, got %T", key, v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q[%d] must be a string, got %T", key, i, item)
		}
		out[i] = s
	}

	return out, nil
}

// Factory builds a resolver from its declared arguments.
type Factory func(args Args) (document.ResolverFunc, error)

// Registry maps resolver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	version   string
}

// NewRegistry creates an empty registry. version takes part in the
// fingerprint so a new binary invalidates caches built by an older one.
func NewRegistry(version string) *Registry {
	return &Registry{factories: make(map[string]Factory), version: version}
}

// DefaultRegistry returns a registry holding the built-in resolvers.
func DefaultRegistry(version string) *Registry {
	r := NewRegistry(version)
	for name, f := range builtins {
		r.factories[name] = f
	}

	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("resolver %q already registered", name)
	}
	r.factories[name] = f

	return nil
}

// Build instantiates the resolver name with args.
func (r *Registry) Build(name string, args Args) (document.ResolverFunc, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown resolver %q", name)
	}

	return f(args)
}

// Names returns the registered resolver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Fingerprint identifies the resolver set.
func (r *Registry) Fingerprint() string {
	sum := sha256.Sum256([]byte(r.version + "\x00" + strings.Join(r.Names(), ",")))

	return hex.EncodeToString(sum[:8])
}

var builtins = map[string]Factory{
	"slice":       sliceResolver,
	"slug":        slugResolver,
	"template":    templateResolver,
	"wordCount":   wordCountResolver,
	"readingTime": readingTimeResolver,
	"const":       constResolver,
	"meta":        metaResolver,
	"concat":      concatResolver,
}

// stringField reads name from the resolved fields, falling back to the raw
// source fields for values the schema does not declare, such as body.
func stringField(fields *schema.Fields, output source.Output, name string) (string, error) {
	v, ok := fields.Get(name)
	if !ok {
		v, ok = output.Fields.Get(name)
	}
	if !ok || v.IsNull() {
		return "", fmt.Errorf("field %q is not set", name)
	}
	if s, ok := v.Str(); ok {
		return s, nil
	}

	return v.String(), nil
}

func sliceResolver(args Args) (document.ResolverFunc, error) {
	field, err := args.String("field", "")
	if err != nil {
		return nil, err
	}
	if field == "" {
		return nil, fmt.Errorf("slice: argument \"field\" is required")
	}
	start, err := args.Int("start", 0)
	if err != nil {
		return nil, err
	}
	end, err := args.Int("end", -1)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		s, err := stringField(fields, output, field)
		if err != nil {
			return schema.Value{}, err
		}
		r := []rune(s)
		lo, hi := clamp(start, len(r)), len(r)
		if end >= 0 {
			hi = clamp(end, len(r))
		}
		if lo > hi {
			lo = hi
		}

		return schema.StringValue(string(r[lo:hi])), nil
	}, nil
}

func clamp(i, n int) int {
	switch {
	case i < 0:
		return 0
	case i > n:
		return n
	default:
		return i
	}
}

// Slugify lowercases s, strips diacritics and joins alphanumeric runs with "-".
func Slugify(s string) string {
	t := xtransform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := xtransform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)

			continue
		}
		dash = true
	}

	return b.String()
}

func slugResolver(args Args) (document.ResolverFunc, error) {
	field, err := args.String("field", "title")
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		s, err := stringField(fields, output, field)
		if err != nil {
			return schema.Value{}, err
		}

		return schema.StringValue(Slugify(s)), nil
	}, nil
}

func templateResolver(args Args) (document.ResolverFunc, error) {
	text, err := args.String("template", "")
	if err != nil {
		return nil, err
	}
	// meta is replaced per execution; this one only satisfies Parse.
	tmpl, err := template.New("computed").Option("missingkey=error").Funcs(template.FuncMap{
		"meta": func(string) any { return nil },
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		t, err := tmpl.Clone()
		if err != nil {
			return schema.Value{}, err
		}
		t.Funcs(template.FuncMap{"meta": func(key string) any { return output.Meta[key] }})
		var buf bytes.Buffer
		if err := t.Execute(&buf, fields.Any()); err != nil {
			return schema.Value{}, err
		}

		return schema.StringValue(buf.String()), nil
	}, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func wordCountResolver(args Args) (document.ResolverFunc, error) {
	field, err := args.String("field", "body")
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		s, err := stringField(fields, output, field)
		if err != nil {
			return schema.Value{}, err
		}

		return schema.NumberValue(float64(wordCount(s))), nil
	}, nil
}

func readingTimeResolver(args Args) (document.ResolverFunc, error) {
	field, err := args.String("field", "body")
	if err != nil {
		return nil, err
	}
	wpm, err := args.Int("wordsPerMinute", 200)
	if err != nil {
		return nil, err
	}
	if wpm <= 0 {
		return nil, fmt.Errorf("readingTime: wordsPerMinute must be positive")
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		s, err := stringField(fields, output, field)
		if err != nil {
			return schema.Value{}, err
		}
		minutes := math.Ceil(float64(wordCount(s)) / float64(wpm))

		return schema.NumberValue(minutes), nil
	}, nil
}

func constResolver(args Args) (document.ResolverFunc, error) {
	v, err := schema.FromAny(args["value"])
	if err != nil {
		return nil, fmt.Errorf("const: %w", err)
	}

	return func(context.Context, *schema.Fields, source.Output) (schema.Value, error) {
		return v, nil
	}, nil
}

func metaResolver(args Args) (document.ResolverFunc, error) {
	key, err := args.String("key", "")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("meta: argument \"key\" is required")
	}

	return func(_ context.Context, _ *schema.Fields, output source.Output) (schema.Value, error) {
		return schema.FromAny(output.Meta[key])
	}, nil
}

func concatResolver(args Args) (document.ResolverFunc, error) {
	names, err := args.Strings("fields")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("concat: argument \"fields\" is required")
	}
	sep, err := args.String("separator", " ")
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, fields *schema.Fields, output source.Output) (schema.Value, error) {
		parts := make([]string, 0, len(names))
		for _, name := range names {
			s, err := stringField(fields, output, name)
			if err != nil {
				return schema.Value{}, err
			}
			parts = append(parts, s)
		}

		return schema.StringValue(strings.Join(parts, sep)), nil
	}, nil
}
