// Package document defines document types and the computed-field fold that
// turns a hydrated source item into a BuiltDocument.
package document

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResolverFunc derives a computed field. fields holds the base fields plus
// every field resolved by earlier groups.
type ResolverFunc func(ctx context.Context, fields *schema.Fields, output source.Output) (schema.Value, error)

// ComputedField is a named field derived from other fields.
type ComputedField struct {
	Name        string
	Description string
	Schema      schema.Schema
	Resolve     ResolverFunc
}

// DocumentType is a named schema, source and computed-field definition.
type DocumentType struct {
	Name        string
	Description string
	Fields      *schema.StructSchema
	Source      source.Source
	Groups      [][]ComputedField
}

// Option configures a DocumentType.
type Option func(*DocumentType)

// WithDescription sets the type's description.
func WithDescription(description string) Option {
	return func(dt *DocumentType) { dt.Description = description }
}

// New creates a document type. name must be identifier-safe.
func New(name string, fields *schema.StructSchema, src source.Source, opts ...Option) (*DocumentType, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid document type name %q: must match %s", name, namePattern)
	}
	if fields == nil {
		fields = schema.Struct()
	}
	dt := &DocumentType{Name: name, Fields: fields, Source: src}
	for _, opt := range opts {
		opt(dt)
	}

	return dt, nil
}

// AddComputedFields appends one group. A name may not repeat a schema field,
// an earlier computed field or another field in the same group.
func (dt *DocumentType) AddComputedFields(group ...ComputedField) error {
	seen := make(map[string]bool)
	for _, g := range dt.Groups {
		for _, cf := range g {
			seen[cf.Name] = true
		}
	}
	for _, cf := range group {
		switch {
		case cf.Name == "":
			return fmt.Errorf("%s: computed field with empty name", dt.Name)
		case cf.Resolve == nil:
			return fmt.Errorf("%s: computed field %q has no resolver", dt.Name, cf.Name)
		case dt.Fields.Has(cf.Name):
			return fmt.Errorf("%s: computed field %q collides with a schema field", dt.Name, cf.Name)
		case seen[cf.Name]:
			return fmt.Errorf("%s: computed field %q is declared twice", dt.Name, cf.Name)
		}
		seen[cf.Name] = true
	}
	added := make([]ComputedField, len(group))
	for i, cf := range group {
		if cf.Schema == nil {
			cf.Schema = schema.Unknown()
		}
		added[i] = cf
	}
	dt.Groups = append(dt.Groups, added)

	return nil
}

// ComputedFields returns every computed field in declaration order.
func (dt *DocumentType) ComputedFields() []ComputedField {
	var out []ComputedField
	for _, g := range dt.Groups {
		out = append(out, g...)
	}

	return out
}

// BuiltDocument is a validated document ready for storage.
type BuiltDocument struct {
	DocumentType string
	Fields       *schema.Fields
	Output       source.Output
}

// Resolve folds the computed-field groups over base. Groups run in order;
// resolvers within a group run concurrently and see only base plus earlier
// groups. Results are merged in declaration order.
func Resolve(ctx context.Context, dt *DocumentType, output source.Output, base *schema.Fields) (*schema.Fields, error) {
	fields := base.Clone()
	for _, group := range dt.Groups {
		snapshot := fields.Clone()
		results := make([]schema.Value, len(group))

		g, gctx := errgroup.WithContext(ctx)
		for i, cf := range group {
			g.Go(func() error {
				raw, err := cf.Resolve(gctx, snapshot.Clone(), output)
				if err != nil {
					if errors.IsBuildError(err) {
						return err
					}

					return errors.NewBuildError(dt.Name, output.ID,
						fmt.Sprintf("computed field %q: %v", cf.Name, err))
				}
				value, verr := schema.Decode(cf.Schema, raw)
				if verr != nil {
					return errors.NewBuildError(dt.Name, output.ID,
						fmt.Sprintf("computed field %q\n%s", cf.Name, verr.Format()))
				}
				results[i] = value

				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for i, cf := range group {
			fields.Set(cf.Name, results[i])
		}
	}

	return fields, nil
}

// Build decodes the output's raw fields against the type's schema and
// resolves its computed fields.
func Build(ctx context.Context, dt *DocumentType, output source.Output) (*BuiltDocument, error) {
	base, verr := dt.Fields.DecodeFields(output.Fields)
	if verr != nil {
		return nil, errors.FromValidation(dt.Name, output.ID, verr)
	}
	fields, err := Resolve(ctx, dt, output, base)
	if err != nil {
		return nil, err
	}

	return &BuiltDocument{DocumentType: dt.Name, Fields: fields, Output: output}, nil
}
