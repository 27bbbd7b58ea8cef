package projector

import (
	"strings"

	"mnemo/internal/format"
)

const notSet = "(not set)"

// Flatten renders a document as the line-oriented text stored in the sink.
// Single-line values sit next to their title; lists and multi-line text
// follow it, one line each.
func Flatten(doc format.Document) string {
	lines := make([]string, 0, len(doc.Fields)*2)
	for _, field := range doc.Fields {
		title := format.TitleCase(field.Name)
		value := field.Value
		switch {
		case value.IsEmpty():
			lines = append(lines, title+": "+notSet)
		case value.Kind == format.KindList:
			lines = append(lines, title+":")
			for _, item := range value.Items {
				lines = append(lines, "- "+item)
			}
		case value.Kind == format.KindString && strings.Contains(value.Text, "\n"):
			lines = append(lines, title+":")
			for _, line := range strings.Split(value.Text, "\n") {
				if strings.TrimSpace(line) == "" {
					continue
				}
				lines = append(lines, "  "+line)
			}
		default:
			lines = append(lines, title+": "+value.PlainText())
		}
	}
	return strings.Join(lines, "\n")
}

// appendLines keeps every existing line and adds the new lines it lacks.
func appendLines(existing, next string) string {
	seen := make(map[string]struct{})
	for _, line := range strings.Split(existing, "\n") {
		seen[strings.TrimSpace(line)] = struct{}{}
	}
	var missing []string
	for _, line := range strings.Split(next, "\n") {
		key := strings.TrimSpace(line)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		missing = append(missing, line)
	}
	if len(missing) == 0 {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return strings.Join(missing, "\n")
	}
	return strings.TrimRight(existing, "\n") + "\n" + strings.Join(missing, "\n")
}
