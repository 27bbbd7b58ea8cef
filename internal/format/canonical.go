package format

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encode serializes a document into its canonical YAML form.
func Encode(doc Document) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, field := range doc.Fields {
		if err := ValidateFieldName(field.Name); err != nil {
			return nil, err
		}
		valueNode, err := encodeValue(field.Value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field.Name, err)
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: field.Name},
			valueNode,
		)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	root := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}
	if err := encoder.Encode(root); err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("flush canonical document: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeValue(value Value) (*yaml.Node, error) {
	switch value.Kind {
	case KindString, 0:
		node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value.Text}
		if strings.Contains(value.Text, "\n") {
			node.Style = yaml.LiteralStyle
		}
		return node, nil
	case KindList:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		if len(value.Items) == 0 {
			node.Style = yaml.FlowStyle
		}
		for _, item := range value.Items {
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: item})
		}
		return node, nil
	case KindScalar:
		if _, err := ScalarOf(value.Scalar); err != nil {
			return nil, err
		}
		tag := "!!int"
		switch value.Scalar.(type) {
		case float64:
			tag = "!!float"
		case bool:
			tag = "!!bool"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value.Literal()}, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", value.Kind)
	}
}

// Decode parses a canonical YAML document. Empty input is an empty document.
func Decode(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Document{}, fmt.Errorf("decode canonical document: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return Document{}, nil
	}
	return DecodeNode(root.Content[0])
}

// DecodeNode reads a document from an already parsed YAML mapping node.
func DecodeNode(node *yaml.Node) (Document, error) {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		return Document{}, nil
	}
	if node.Kind != yaml.MappingNode {
		return Document{}, fmt.Errorf("decode canonical document: expected mapping at line %d", node.Line)
	}
	doc := Document{Fields: make([]Field, 0, len(node.Content)/2)}
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if err := ValidateFieldName(key); err != nil {
			return Document{}, fmt.Errorf("decode canonical document: %w", err)
		}
		if _, dup := seen[key]; dup {
			return Document{}, fmt.Errorf("decode canonical document: duplicate field %q", key)
		}
		seen[key] = struct{}{}
		value, err := decodeValue(node.Content[i+1])
		if err != nil {
			return Document{}, fmt.Errorf("decode field %s: %w", key, err)
		}
		doc.Fields = append(doc.Fields, Field{Name: key, Value: value})
	}
	return doc, nil
}

func decodeValue(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return decodeScalarNode(node)
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, child := range node.Content {
			if child.Kind != yaml.ScalarNode {
				return Value{}, fmt.Errorf("list items must be scalars (line %d)", child.Line)
			}
			items = append(items, child.Value)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported YAML node at line %d", node.Line)
	}
}

func decodeScalarNode(node *yaml.Node) (Value, error) {
	switch node.ShortTag() {
	case "!!str":
		return String(node.Value), nil
	case "!!null":
		return String(""), nil
	case "!!int", "!!float", "!!bool":
		var raw any
		if err := node.Decode(&raw); err != nil {
			return Value{}, fmt.Errorf("decode scalar %q: %w", node.Value, err)
		}
		return ScalarOf(raw)
	default:
		return String(node.Value), nil
	}
}

// ParseScalarLiteral resolves a literal such as "42" or "true" into a
// scalar value. ok is false when the literal is plain text.
func ParseScalarLiteral(literal string) (Value, bool) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(literal), &node); err != nil {
		return Value{}, false
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) != 1 || node.Content[0].Kind != yaml.ScalarNode {
		return Value{}, false
	}
	switch node.Content[0].ShortTag() {
	case "!!int", "!!float", "!!bool":
	default:
		return Value{}, false
	}
	value, err := decodeScalarNode(node.Content[0])
	if err != nil {
		return Value{}, false
	}
	return value, true
}
