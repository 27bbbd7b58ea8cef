package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/format"
)

func TestBuiltinCatalog(t *testing.T) {
	c := Builtin()
	assert.Equal(t, []string{"student", "engagement", "strategy"}, c.Names())

	doc, ok := c.Default("student")
	require.True(t, ok)
	assert.Equal(t, []string{"facts", "learning_style", "goals"}, doc.Names())
	facts, _ := doc.Get("facts")
	assert.Equal(t, format.List(), facts)

	_, ok = c.Default("unknown")
	assert.False(t, ok)
}

func TestDefaultReturnsCopy(t *testing.T) {
	c := Builtin()
	doc, _ := c.Default("student")
	require.NoError(t, doc.Set("facts", format.List("mutated")))

	again, _ := c.Default("student")
	facts, _ := again.Get("facts")
	assert.Equal(t, format.List(), facts)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`documents:
  course:
    title: Algebra I
    units: [linear equations, "  quadratics  "]
    weeks: 12
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"course"}, c.Names())
	doc, _ := c.Default("course")
	units, _ := doc.Get("units")
	assert.Equal(t, format.List("linear equations", "quadratics"), units)
	weeks, _ := doc.Get("weeks")
	assert.Equal(t, format.Int(12), weeks)
}

func TestParseRejectsMalformedCatalogs(t *testing.T) {
	for name, body := range map[string]string{
		"not a mapping":  "- a\n- b\n",
		"no documents":   "other: {}\n",
		"nested value":   "documents:\n  student:\n    facts:\n      deep: true\n",
		"bad field name": "documents:\n  student:\n    Facts: []\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadEmptyPathUsesBuiltin(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Len(t, c.Names(), 3)
}
