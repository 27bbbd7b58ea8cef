// Package seed provides the default content of documents created for a new
// subject.
package seed

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mnemo/internal/format"
)

const builtin = `documents:
  student:
    facts: []
    learning_style: ""
    goals: ""
  engagement:
    notes: []
    last_topic: ""
  strategy:
    approach: ""
    next_steps: []
`

// Catalog maps document names to their initial canonical form.
type Catalog struct {
	order     []string
	documents map[string]format.Document
}

func Builtin() *Catalog {
	catalog, err := Parse([]byte(builtin))
	if err != nil {
		panic(fmt.Sprintf("builtin seed catalog: %v", err))
	}
	return catalog
}

// Load reads a catalog file. An empty path yields the builtin catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes `documents: {<name>: {<field>: <value>}}`, keeping the
// declared field order.
func Parse(data []byte) (*Catalog, error) {
	var root yaml.Node
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode seed catalog: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode seed catalog: expected a mapping")
	}

	var documentsNode *yaml.Node
	top := root.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "documents" {
			documentsNode = top.Content[i+1]
		}
	}
	if documentsNode == nil || documentsNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode seed catalog: missing documents mapping")
	}

	catalog := &Catalog{documents: make(map[string]format.Document)}
	for i := 0; i+1 < len(documentsNode.Content); i += 2 {
		name := documentsNode.Content[i].Value
		if _, dup := catalog.documents[name]; dup {
			return nil, fmt.Errorf("decode seed catalog: duplicate document %q", name)
		}
		doc, err := format.DecodeNode(documentsNode.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("seed document %s: %w", name, err)
		}
		catalog.order = append(catalog.order, name)
		catalog.documents[name] = doc.Normalize()
	}
	return catalog, nil
}

// Default returns a copy of the seed for name.
func (c *Catalog) Default(name string) (format.Document, bool) {
	doc, ok := c.documents[name]
	if !ok {
		return format.Document{}, false
	}
	return doc.Clone(), true
}

// Names lists seeded documents in declaration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
