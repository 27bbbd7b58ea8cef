// Package format converts memory documents between their canonical YAML
// form and the Markdown form people edit.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fieldNamePattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

var ErrInvalidFieldName = errors.New("invalid field name")

type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Document is an ordered mapping of field names to values.
type Document struct {
	Fields []Field `json:"fields"`
}

func ValidFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}

func ValidateFieldName(name string) error {
	if !ValidFieldName(name) {
		return fmt.Errorf("%w: %q must be snake_case", ErrInvalidFieldName, name)
	}
	return nil
}

func (d Document) Len() int {
	return len(d.Fields)
}

func (d Document) Names() []string {
	names := make([]string, 0, len(d.Fields))
	for _, field := range d.Fields {
		names = append(names, field.Name)
	}
	return names
}

func (d Document) Get(name string) (Value, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named field in place or appends it at the end.
func (d *Document) Set(name string, value Value) error {
	if err := ValidateFieldName(name); err != nil {
		return err
	}
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = value
			return nil
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: value})
	return nil
}

func (d Document) Clone() Document {
	fields := make([]Field, len(d.Fields))
	for i, field := range d.Fields {
		fields[i] = Field{Name: field.Name, Value: field.Value.Clone()}
	}
	return Document{Fields: fields}
}

// Normalize returns a copy with every value normalized.
func (d Document) Normalize() Document {
	fields := make([]Field, len(d.Fields))
	for i, field := range d.Fields {
		fields[i] = Field{Name: field.Name, Value: field.Value.Normalize()}
	}
	return Document{Fields: fields}
}

// Equal compares field by field, in order.
func (d Document) Equal(other Document) bool {
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i].Name != other.Fields[i].Name {
			return false
		}
		if !d.Fields[i].Value.Equal(other.Fields[i].Value) {
			return false
		}
	}
	return true
}

// EqualUnordered compares the same field set regardless of order.
func (d Document) EqualUnordered(other Document) bool {
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for _, field := range d.Fields {
		value, ok := other.Get(field.Name)
		if !ok || !value.Equal(field.Value) {
			return false
		}
	}
	return true
}

// TitleCase turns a snake_case name into its section title.
func TitleCase(name string) string {
	parts := strings.Split(name, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

// SnakeCase is the inverse of TitleCase for valid field names.
func SnakeCase(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), "_"))
}
