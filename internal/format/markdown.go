package format

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	PlaceholderNotSet    = "_Not set._"
	PlaceholderNoEntries = "_No entries._"
)

var scalarSpanPattern = regexp.MustCompile("^`([^`]+)`$")

// ParseWarning records a section that could not be read back.
type ParseWarning struct {
	Section string
	Message string
}

func (w ParseWarning) String() string {
	if w.Section == "" {
		return w.Message
	}
	return fmt.Sprintf("%s: %s", w.Section, w.Message)
}

// Metadata describes a human form that was parsed.
type Metadata struct {
	Title    string
	Warnings []ParseWarning
}

func (m Metadata) Lossy() bool {
	return len(m.Warnings) > 0
}

// ToHuman renders a document as Markdown: one "##" section per field.
func ToHuman(doc Document, documentName string) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(TitleCase(documentName))
	b.WriteString("\n")
	for _, field := range doc.Fields {
		b.WriteString("\n## ")
		b.WriteString(TitleCase(field.Name))
		b.WriteString("\n\n")
		writeValue(&b, field.Value)
	}
	return b.String()
}

func writeValue(b *strings.Builder, value Value) {
	switch value.Kind {
	case KindList:
		if len(value.Items) == 0 {
			b.WriteString(PlaceholderNoEntries + "\n")
			return
		}
		for _, item := range value.Items {
			b.WriteString("- ")
			b.WriteString(escapeLine(item))
			b.WriteString("\n")
		}
	case KindScalar:
		b.WriteString("`" + value.Literal() + "`\n")
	default:
		if strings.TrimSpace(value.Text) == "" {
			b.WriteString(PlaceholderNotSet + "\n")
			return
		}
		for _, line := range strings.Split(value.Text, "\n") {
			if strings.TrimSpace(line) == "" {
				b.WriteString("\n")
				continue
			}
			b.WriteString(escapeLine(line))
			b.WriteString("\n")
		}
	}
}

// escapeLine keeps a line of text from being read as Markdown block syntax.
func escapeLine(line string) string {
	line = strings.TrimSpace(line)
	if needsEscape(line) {
		return `\` + line
	}
	return line
}

func needsEscape(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case '#', '-', '*', '+', '>', '=', '<', '[', '`', '~', '_', '\\', '|':
		return true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')')
}

func unescapeLine(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, `\`) {
		return line[1:]
	}
	return line
}

type section struct {
	title  string
	name   string
	blocks []ast.Node
	broken string
}

// FromHuman parses Markdown produced by ToHuman (or edited by hand). It
// never fails: sections it cannot read are left out and reported in the
// returned metadata.
func FromHuman(human string) (Document, Metadata) {
	source := []byte(human)
	root := goldmark.New().Parser().Parse(text.NewReader(source))

	var meta Metadata
	var sections []*section
	var current *section
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok && heading.Level <= 2 {
			title := rawLines(heading, source, " ")
			if heading.Level == 1 {
				if meta.Title == "" && current == nil {
					meta.Title = title
					continue
				}
				meta.Warnings = append(meta.Warnings, ParseWarning{Section: title, Message: "extra document title ignored"})
				current = nil
				continue
			}
			current = &section{title: title, name: SnakeCase(title)}
			sections = append(sections, current)
			continue
		}
		if current == nil {
			meta.Warnings = append(meta.Warnings, ParseWarning{Message: "content outside any section ignored"})
			continue
		}
		current.blocks = append(current.blocks, node)
	}

	doc := Document{}
	seen := make(map[string]struct{}, len(sections))
	for _, sec := range sections {
		if !ValidFieldName(sec.name) {
			meta.Warnings = append(meta.Warnings, ParseWarning{Section: sec.title, Message: "section title is not a valid field name"})
			continue
		}
		if _, dup := seen[sec.name]; dup {
			meta.Warnings = append(meta.Warnings, ParseWarning{Section: sec.title, Message: "duplicate section ignored"})
			continue
		}
		value, problem := readSection(sec, source)
		if problem != "" {
			meta.Warnings = append(meta.Warnings, ParseWarning{Section: sec.title, Message: problem})
			continue
		}
		seen[sec.name] = struct{}{}
		doc.Fields = append(doc.Fields, Field{Name: sec.name, Value: value})
	}
	return doc, meta
}

func readSection(sec *section, source []byte) (Value, string) {
	var paragraphs []string
	var items []string
	lists := 0
	for _, block := range sec.blocks {
		switch node := block.(type) {
		case *ast.Paragraph:
			paragraphs = append(paragraphs, rawParagraph(node, source))
		case *ast.List:
			lists++
			listItems, problem := readList(node, source)
			if problem != "" {
				return Value{}, problem
			}
			items = append(items, listItems...)
		default:
			return Value{}, fmt.Sprintf("unsupported %s block", block.Kind().String())
		}
	}

	if lists > 0 && len(paragraphs) > 0 {
		return Value{}, "section mixes list items and text"
	}
	if lists > 0 {
		return List(items...), ""
	}
	if len(paragraphs) == 1 {
		switch only := paragraphs[0]; {
		case only == PlaceholderNotSet:
			return String(""), ""
		case only == PlaceholderNoEntries:
			return List(), ""
		default:
			if match := scalarSpanPattern.FindStringSubmatch(only); match != nil {
				if value, ok := ParseScalarLiteral(match[1]); ok {
					return value, ""
				}
			}
		}
	}
	joined := make([]string, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		joined = append(joined, unescapeParagraph(paragraph))
	}
	return String(strings.Join(joined, "\n\n")), ""
}

func readList(list *ast.List, source []byte) ([]string, string) {
	items := make([]string, 0, list.ChildCount())
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		if child.ChildCount() == 0 {
			continue
		}
		if child.ChildCount() > 1 {
			return nil, "nested list content is not supported"
		}
		switch block := child.FirstChild().(type) {
		case *ast.TextBlock, *ast.Paragraph:
			lines := strings.Split(rawLines(block, source, "\n"), "\n")
			for i, line := range lines {
				lines[i] = unescapeLine(line)
			}
			item := strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
			if item != "" {
				items = append(items, item)
			}
		default:
			return nil, "unparseable list item"
		}
	}
	return items, ""
}

func rawParagraph(node ast.Node, source []byte) string {
	return rawLines(node, source, "\n")
}

func unescapeParagraph(paragraph string) string {
	lines := strings.Split(paragraph, "\n")
	for i, line := range lines {
		lines[i] = unescapeLine(line)
	}
	return strings.Join(lines, "\n")
}

func rawLines(node ast.Node, source []byte, sep string) string {
	lines := node.Lines()
	parts := make([]string, 0, lines.Len())
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		parts = append(parts, strings.TrimSpace(string(segment.Value(source))))
	}
	return strings.TrimSpace(strings.Join(parts, sep))
}
