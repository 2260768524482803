// Package typegen renders type declarations for generated documents.
package typegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/schema"
)

// Renderer renders the declaration of one document type.
type Renderer interface {
	Render(dt *document.DocumentType) string
}

// TypeScript renders exported TypeScript interfaces.
type TypeScript struct{}

// Render implements Renderer.
func (TypeScript) Render(dt *document.DocumentType) string {
	var b strings.Builder
	if dt.Description != "" {
		writeDoc(&b, dt.Description, "")
	}
	fmt.Fprintf(&b, "export interface %s {\n", dt.Name)
	b.WriteString("  readonly _id: string\n")
	for _, f := range dt.Fields.Describe().Fields {
		writeMember(&b, f.Name, f.Description, f.Optional, f.Type, "  ")
	}
	for _, cf := range dt.ComputedFields() {
		writeMember(&b, cf.Name, cf.Description, false, cf.Schema.Describe(), "  ")
	}
	b.WriteString("}")

	return b.String()
}

// RenderAll joins the declarations of every type.
func RenderAll(r Renderer, types []*document.DocumentType) string {
	parts := make([]string, len(types))
	for i, dt := range types {
		parts[i] = r.Render(dt)
	}

	return strings.Join(parts, "\n\n") + "\n"
}

func writeDoc(b *strings.Builder, text, indent string) {
	b.WriteString(indent + "/**\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(indent + " * " + line + "\n")
	}
	b.WriteString(indent + " */\n")
}

func writeMember(b *strings.Builder, name, description string, optional bool, d schema.Descriptor, indent string) {
	if description != "" {
		writeDoc(b, description, indent)
	}
	opt := ""
	if optional {
		opt = "?"
	}
	fmt.Fprintf(b, "%sreadonly %s%s: %s\n", indent, propertyName(name), opt, typeOf(d, indent))
}

func propertyName(name string) string {
	for i, r := range name {
		valid := r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !valid {
			return strconv.Quote(name)
		}
	}
	if name == "" {
		return `""`
	}

	return name
}

func typeOf(d schema.Descriptor, indent string) string {
	switch d.Type {
	case "string", "date":
		return "string"
	case "number", "boolean", "null", "unknown":
		return d.Type
	case "literal":
		parts := make([]string, len(d.Literals))
		for i, lit := range d.Literals {
			parts[i] = lit.String()
		}

		return strings.Join(parts, " | ")
	case "list":
		return "ReadonlyArray<" + typeOf(*d.Elem, indent) + ">"
	case "record":
		return "{ readonly [key: string]: " + typeOf(*d.Elem, indent) + " }"
	case "nullable":
		return typeOf(*d.Elem, indent) + " | null"
	case "object":
		var b strings.Builder
		b.WriteString("{\n")
		for _, f := range d.Fields {
			writeMember(&b, f.Name, f.Description, f.Optional, f.Type, indent+"  ")
		}
		b.WriteString(indent + "}")

		return b.String()
	default:
		return "unknown"
	}
}
