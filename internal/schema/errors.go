package schema

import (
	"strings"
)

// ValidationError is a tree of decode failures. Inner nodes name the path
// segment that failed, leaves carry the message.
type ValidationError struct {
	Path     string
	Message  string
	Children []*ValidationError
}

func leaf(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

func at(path string, child *ValidationError) *ValidationError {
	return &ValidationError{Path: path, Children: []*ValidationError{child}}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Format()
}

// Format renders the error as an indented tree:
//
//	Post fields
//	└─ ["title"]
//	   └─ Expected string, actual 42
func (e *ValidationError) Format() string {
	var b strings.Builder
	b.WriteString(e.label())
	writeChildren(&b, e.Children, "")

	return b.String()
}

func (e *ValidationError) label() string {
	switch {
	case e.Path != "" && e.Message != "":
		return e.Path + ": " + e.Message
	case e.Path != "":
		return e.Path
	default:
		return e.Message
	}
}

func writeChildren(b *strings.Builder, children []*ValidationError, indent string) {
	for i, child := range children {
		last := i == len(children)-1
		b.WriteString("\n")
		b.WriteString(indent)
		if last {
			b.WriteString("└─ ")
		} else {
			b.WriteString("├─ ")
		}
		b.WriteString(child.label())
		next := indent + "│  "
		if last {
			next = indent + "   "
		}
		writeChildren(b, child.Children, next)
	}
}
