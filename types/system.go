package types

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/nasdf/vercol/object"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// ErrInvalidDocument is returned when a document does not match the schema.
var ErrInvalidDocument = errors.New("invalid document")

// System describes the field types of the documents in a collection.
// It is declared as GraphQL SDL where the first object type describes the documents.
type System struct {
	schema string
	types  *ast.Schema
	root   *ast.Definition
}

// NewSystem parses the given SDL into a System.
func NewSystem(schema string) (*System, error) {
	s, err := gqlparser.LoadSchema(&ast.Source{Input: schema})
	if err != nil {
		return nil, err
	}
	var root *ast.Definition
	for _, d := range s.Types {
		if d.BuiltIn || d.Kind != ast.Object {
			continue
		}
		if root == nil || position(d) < position(root) {
			root = d
		}
	}
	if root == nil {
		return nil, errors.New("schema must declare an object type")
	}
	return &System{
		schema: schema,
		types:  s,
		root:   root,
	}, nil
}

func position(d *ast.Definition) int {
	if d.Position == nil {
		return math.MaxInt
	}
	return d.Position.Start
}

// Schema returns the SDL the system was created from.
func (s *System) Schema() string {
	return s.schema
}

// Root returns the name of the document type.
func (s *System) Root() string {
	return s.root.Name
}

// Fields returns the field names of the document type.
func (s *System) Fields() []string {
	names := make([]string, len(s.root.Fields))
	for i, f := range s.root.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate returns an error if the given document does not match the document type.
// Fields that are not declared are allowed.
func (s *System) Validate(doc object.Document) error {
	return s.validateObject(s.root, doc, "")
}

func (s *System) validateObject(def *ast.Definition, value map[string]any, path string) error {
	for _, f := range def.Fields {
		field := path + f.Name
		v, ok := value[f.Name]
		if !ok || v == nil {
			if f.Type.NonNull {
				return fmt.Errorf("%w: field %s is required", ErrInvalidDocument, field)
			}
			continue
		}
		if err := s.validateValue(f.Type, v, field); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) validateValue(t *ast.Type, value any, path string) error {
	if value == nil {
		if t.NonNull {
			return fmt.Errorf("%w: field %s is required", ErrInvalidDocument, path)
		}
		return nil
	}
	if t.Elem != nil {
		list, ok := value.([]any)
		if !ok {
			return mismatch(path, t)
		}
		for i, v := range list {
			if err := s.validateValue(t.Elem, v, fmt.Sprintf("%s.%d", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	switch t.NamedType {
	case "Int":
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return mismatch(path, t)
		}
	case "Float":
		if _, ok := value.(float64); !ok {
			return mismatch(path, t)
		}
	case "String", "ID":
		if _, ok := value.(string); !ok {
			return mismatch(path, t)
		}
	case "Boolean":
		if _, ok := value.(bool); !ok {
			return mismatch(path, t)
		}
	default:
		def := s.types.Types[t.NamedType]
		if def == nil {
			return mismatch(path, t)
		}
		switch def.Kind {
		case ast.Object:
			nested, ok := value.(map[string]any)
			if !ok {
				return mismatch(path, t)
			}
			return s.validateObject(def, nested, path+".")
		case ast.Enum:
			str, ok := value.(string)
			if !ok || !slices.ContainsFunc(def.EnumValues, func(v *ast.EnumValueDefinition) bool { return v.Name == str }) {
				return mismatch(path, t)
			}
		case ast.Scalar:
			// custom scalars accept any value
		default:
			return mismatch(path, t)
		}
	}
	return nil
}

func mismatch(path string, t *ast.Type) error {
	return fmt.Errorf("%w: field %s must be %s", ErrInvalidDocument, path, t.String())
}
