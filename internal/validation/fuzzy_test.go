package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchAnchorVerbatim(t *testing.T) {
	content := "alpha\nbeta\ngamma\n"
	got, ok := matchAnchor(content, "beta\ngamma")
	require.True(t, ok)
	assert.Equal(t, "beta\ngamma", got)
}

func TestMatchAnchorWhitespaceDrift(t *testing.T) {
	content := strings.Join([]string{
		"class Widget {",
		"\trender() {",
		"\t\treturn this.tree;",
		"\t}",
		"}",
	}, "\n")
	// Space-indented version of the same block.
	search := strings.Join([]string{
		"class Widget {",
		"    render() {",
		"        return  this.tree;",
		"    }",
		"}",
	}, "\n")

	got, ok := matchAnchor(content, search)
	require.True(t, ok)
	assert.Equal(t, content, got, "recovered anchor is the exact file text")
}

func TestMatchAnchorExtraBlankLines(t *testing.T) {
	content := "func setup() {\n\n\tinit()\n\n\tstart()\n}\n"
	search := "func setup() {\n\tinit()\n\tstart()\n}"

	got, ok := matchAnchor(content, search)
	require.True(t, ok)
	// The window grows past the search length to absorb the blank lines.
	assert.True(t, strings.Contains(content, got))
	assert.Contains(t, got, "start()")
}

func TestMatchAnchorNoMeaningfulLines(t *testing.T) {
	_, ok := matchAnchor("some content here\n", "}\n)\n;")
	assert.False(t, ok)
}

func TestMatchAnchorNoMatch(t *testing.T) {
	_, ok := matchAnchor("completely different file\n", "func missingEverywhere() {\n\treturn\n}")
	assert.False(t, ok)
}

func TestNormalizeBlock(t *testing.T) {
	in := "  a   b \n\n\t c\td \n"
	assert.Equal(t, "a b\nc d", normalizeBlock(in))
}

func TestMeaningfulLines(t *testing.T) {
	lines := []string{"x", "{}();", "    ", "const total = 0;", "}"}
	out := meaningfulLines(lines)
	require.Len(t, out, 1)
	assert.Equal(t, "const total = 0;", out[0])
}

func TestBigramJaccard(t *testing.T) {
	assert.Equal(t, 1.0, bigramJaccard("same", "same"))
	assert.Equal(t, 0.0, bigramJaccard("", "abc"))
	assert.Greater(t, bigramJaccard("func HandleRequest()", "func HandleRequests()"), 0.8)
	assert.Less(t, bigramJaccard("alpha", "omega"), 0.4)
}

func TestSimilarLine(t *testing.T) {
	content := "package a\n\nfunc ProcessOrders(db *sql.DB) error {\n\treturn nil\n}\n"

	line, excerpt, found := similarLine(content, "func ProcessOrder(db *sql.DB) error {")
	require.True(t, found)
	assert.Equal(t, 3, line)
	assert.Contains(t, excerpt, "ProcessOrders")

	// Short search lines carry no excerpt signal.
	_, _, found = similarLine(content, "x\ny")
	assert.False(t, found)
}

func TestMatchAnchorIntraLineSpacingDrift(t *testing.T) {
	content := "  function  foo (x)  {\n    return x+1;\n  }\n"
	search := "function foo(x) {\n  return x+1;\n}"

	got, ok := matchAnchor(content, search)
	require.True(t, ok)
	assert.Equal(t, "  function  foo (x)  {\n    return x+1;\n  }", got)
	assert.True(t, strings.Contains(content, got), "recovered anchor is the exact file text")
}

func TestTightBlock(t *testing.T) {
	assert.Equal(t, "ab\ncd", tightBlock("a b\n\n c\td \n"))
	assert.Equal(t, "functionfoo(x){", stripSpaces("  function  foo (x)  {"))
}
