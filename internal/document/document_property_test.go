//go:build property

package document

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
)

// TestComputedFieldOrderingProperties checks that every group observes the
// results of all earlier groups, whatever the group widths.
func TestComputedFieldOrderingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("group k sees base plus k increments", prop.ForAll(
		func(start int, widths []int) bool {
			dt, err := New("Chain", schema.Struct(schema.Field("n", schema.Number())), nil)
			if err != nil {
				return false
			}
			prev := "n"
			for g, width := range widths {
				var group []ComputedField
				from := prev
				for i := 0; i < width; i++ {
					name := fmt.Sprintf("g%d_%d", g, i)
					group = append(group, ComputedField{
						Name:   name,
						Schema: schema.Number(),
						Resolve: func(_ context.Context, fields *schema.Fields, _ source.Output) (schema.Value, error) {
							v, ok := fields.Get(from)
							if !ok {
								return schema.Value{}, fmt.Errorf("%s not resolved yet", from)
							}
							n, _ := v.Num()

							return schema.NumberValue(n + 1), nil
						},
					})
				}
				if err := dt.AddComputedFields(group...); err != nil {
					return false
				}
				prev = group[0].Name
			}

			out := source.NewOutput("x", nil, nil).WithFields(schema.FieldsOf("n", start))
			doc, err := Build(context.Background(), dt, out)
			if err != nil {
				return false
			}
			last, ok := doc.Fields.Get(prev)
			if !ok {
				return false
			}
			n, _ := last.Num()

			return int(n) == start+len(widths)
		},
		gen.IntRange(-1000, 1000),
		gen.SliceOf(gen.IntRange(1, 4)),
	))

	properties.TestingRun(t)
}
