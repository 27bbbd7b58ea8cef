package mcpserver

// DocumentFormat describes the Markdown form of a memory document.
const DocumentFormat = `# Memory document format

A document renders as Markdown with one level-1 title and one level-2
section per field:

    # Student

    ## Facts

    - likes algebra
    - plays chess on weekends

    ## Learning Style

    _Not set._

    ## Sessions Completed

    ` + "`12`" + `

Rules:

- Section titles are the field names in Title Case (learning_style is
  "Learning Style"). Titles must map back to snake_case names.
- A list field is a bullet list, one item per line. An empty list is
  written as _No entries._
- A text field is plain paragraphs. An empty text is written as _Not set._
- Numbers and booleans are written in backticks.
- Nested lists, code blocks, tables and quotes are not supported; a section
  that uses them is ignored and keeps its previous value.
- Field proposals use snake_case field names. Whole-document proposals
  send the complete Markdown form as value with operation replace.
`
