package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/events"
	"devloop/internal/protocol"
)

func newTestGate(t *testing.T, opts Options) (*Gate, string) {
	t.Helper()
	root := t.TempDir()
	opts.Root = root
	return NewGate(opts), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func repeatLines(line string, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = line
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestEmptyChangeSetIsValid(t *testing.T) {
	g, _ := newTestGate(t, Options{})
	res := g.Validate(&protocol.ChangeSet{}, nil)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestBoundaryEnforcement(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "src/auth/login.go", "package auth\n")
	writeFile(t, root, "src/other/db.go", "package other\n")

	tests := []struct {
		name    string
		path    string
		allowed []string
		ok      bool
	}{
		{"exact match", "src/auth/login.go", []string{"src/auth/login.go"}, true},
		{"under allowed dir", "src/auth/login.go", []string{"src/auth/session.go"}, true},
		{"basename match", "src/other/db.go", []string{"lib/db.go"}, true},
		{"outside boundary", "src/other/db.go", []string{"src/auth/login.go"}, false},
		{"no boundary configured", "src/other/db.go", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
				{Path: tt.path, Kind: protocol.OpUpdate, Content: "package x\n"},
			}}
			res := g.Validate(cs, tt.allowed)
			if tt.ok {
				for _, e := range res.Errors {
					assert.NotEqual(t, CategoryBoundary, e.Category)
				}
			} else {
				require.False(t, res.Valid)
				require.NotEmpty(t, res.Errors)
				assert.Equal(t, CategoryBoundary, res.Errors[0].Category)
				assert.Equal(t, SeverityBlocking, res.Errors[0].Severity)
				require.NotNil(t, res.Errors[0].Suggestion)
				assert.Equal(t, ActionManual, res.Errors[0].Suggestion.Action)
			}
		})
	}
}

func TestCreateBypassesBoundary(t *testing.T) {
	g, _ := newTestGate(t, Options{})
	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "src/new/file.go", Kind: protocol.OpCreate, Content: "package new\n"},
	}}
	res := g.Validate(cs, []string{"src/auth/login.go"})
	assert.True(t, res.Valid)
}

func TestCreateOnExistingFileIsDestructive(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "main.go", "package main\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "main.go", Kind: protocol.OpCreate, Content: "package main\n"},
	}}
	res := g.Validate(cs, nil)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CategoryDestructive, res.Errors[0].Category)
	assert.Equal(t, SeverityRecoverable, res.Errors[0].Severity)
}

func TestDestructiveUpdateThresholds(t *testing.T) {
	tests := []struct {
		name          string
		existingLines int
		newLines      int
		wantBlocking  bool
	}{
		{"100 to 49 rejected", 100, 49, true},
		{"100 to 50 accepted", 100, 50, false},
		{"99 to 10 accepted, file too small", 99, 10, false},
		{"200 to 99 rejected", 200, 99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, root := newTestGate(t, Options{})
			writeFile(t, root, "big.go", repeatLines("var x = 1", tt.existingLines))

			cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
				{Path: "big.go", Kind: protocol.OpUpdate, Content: repeatLines("var y = 2", tt.newLines)},
			}}
			res := g.Validate(cs, nil)
			if tt.wantBlocking {
				require.False(t, res.Valid)
				assert.Equal(t, CategoryDestructive, res.Errors[0].Category)
				assert.Equal(t, SeverityBlocking, res.Errors[0].Severity)
			} else {
				assert.True(t, res.Valid, "errors: %v", res.Errors)
			}
		})
	}
}

func TestLargeFileUpdateWarnsWithDiffSummary(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "huge.go", repeatLines("line content here", 600))

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "huge.go", Kind: protocol.OpUpdate, Content: repeatLines("line content here", 590)},
	}}
	res := g.Validate(cs, nil)
	assert.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0].Message, "large file update")
	assert.Contains(t, res.Warnings[0].Message, "lines")
}

func TestTestFileUpdateRejected(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "src/auth.test.ts", "describe('auth', () => {})\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "src/auth.test.ts", Kind: protocol.OpUpdate, Content: "describe('auth', () => { it('x') })\n"},
	}}
	res := g.Validate(cs, nil)
	require.False(t, res.Valid)
	assert.Equal(t, CategoryDestructive, res.Errors[0].Category)
	assert.Equal(t, SeverityRecoverable, res.Errors[0].Severity)
	assert.Contains(t, res.Errors[0].Message, "test file")
}

func TestUpdateOnMissingFileDegradesToCreate(t *testing.T) {
	g, _ := newTestGate(t, Options{})
	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "brand/new.go", Kind: protocol.OpUpdate, Content: "package brand\n"},
	}}
	res := g.Validate(cs, nil)
	assert.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0].Message, "will be created")
}

func TestPatchVerbatimAnchorPasses(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "app.go", "package app\n\nfunc Run() error {\n\treturn nil\n}\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "app.go", Kind: protocol.OpPatch, Patches: []protocol.Patch{
			{Search: "func Run() error {\n\treturn nil\n}", Replace: "func Run() error {\n\treturn start()\n}"},
		}},
	}}
	res := g.Validate(cs, nil)
	assert.True(t, res.Valid)
}

func TestPatchFuzzyRecoveryRewritesAnchor(t *testing.T) {
	g, root := newTestGate(t, Options{})
	// File uses tabs; the proposed anchor uses spaces.
	fileContent := "function foo(x) {\n\tconst y = x * 2;\n\treturn y;\n}\n"
	writeFile(t, root, "calc.js", fileContent)

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "calc.js", Kind: protocol.OpPatch, Patches: []protocol.Patch{
			{Search: "function foo(x) {\n    const y = x * 2;\n    return y;\n}", Replace: "function foo(x) {\n    return x * 2;\n}"},
		}},
	}}
	res := g.Validate(cs, nil)
	require.True(t, res.Valid, "errors: %v", res.Errors)

	// The anchor is rewritten to the exact file substring.
	got := cs.Operations[0].Patches[0].Search
	assert.Contains(t, fileContent, got)
	assert.Contains(t, got, "\tconst y = x * 2;")
}

func TestPatchFuzzyRecoveryIntraLineSpacing(t *testing.T) {
	g, root := newTestGate(t, Options{})
	// Spacing inside the line differs too: `foo (x)` against `foo(x)`.
	fileContent := "  function  foo (x)  {\n    return x+1;\n  }\n"
	writeFile(t, root, "calc.js", fileContent)

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "calc.js", Kind: protocol.OpPatch, Patches: []protocol.Patch{
			{Search: "function foo(x) {\n  return x+1;\n}", Replace: "function foo(x) {\n  return x+2;\n}"},
		}},
	}}
	res := g.Validate(cs, nil)
	require.True(t, res.Valid, "errors: %v", res.Errors)

	got := cs.Operations[0].Patches[0].Search
	assert.Contains(t, fileContent, got)
	assert.Contains(t, got, "foo (x)")
}

func TestPatchNotFoundReportsSimilarLine(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "svc.go", "package svc\n\nfunc HandleRequest(w http.ResponseWriter) {\n}\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "svc.go", Kind: protocol.OpPatch, Patches: []protocol.Patch{
			{Search: "func HandleRequests(w http.ResponseWriter, r *http.Request) {", Replace: "x"},
		}},
	}}
	res := g.Validate(cs, nil)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CategoryPatchNotFound, res.Errors[0].Category)
	assert.Equal(t, SeverityRecoverable, res.Errors[0].Severity)
	assert.Contains(t, res.Errors[0].Message, "similar content at line 3")
	require.NotNil(t, res.Errors[0].Suggestion)
	assert.Equal(t, ActionRetry, res.Errors[0].Suggestion.Action)
}

func TestPatchOnMissingFile(t *testing.T) {
	g, _ := newTestGate(t, Options{})
	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "ghost.go", Kind: protocol.OpPatch, Patches: []protocol.Patch{{Search: "x", Replace: "y"}}},
	}}
	res := g.Validate(cs, nil)
	require.False(t, res.Valid)
	assert.Equal(t, CategoryFileNotFound, res.Errors[0].Category)
}

func TestIgnoreGlobWarns(t *testing.T) {
	g, root := newTestGate(t, Options{IgnoreGlobs: []string{"dist/**", "**/*.min.js"}})
	writeFile(t, root, "dist/bundle.js", "x\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "dist/bundle.js", Kind: protocol.OpUpdate, Content: "y\n"},
	}}
	res := g.Validate(cs, nil)
	assert.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0].Message, "ignored path")
}

func TestValidationEventsEmitted(t *testing.T) {
	bus := events.NewBus(0)
	g, root := newTestGate(t, Options{Bus: bus})
	writeFile(t, root, "big.go", repeatLines("x := 1", 150))

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "big.go", Kind: protocol.OpUpdate, Content: "x := 1\n"},
	}}
	g.Validate(cs, nil)

	evs := bus.Poll(events.PollOptions{Types: []string{events.TypeValidationError}})
	require.Len(t, evs, 1)
	assert.Equal(t, events.SeverityError, evs[0].Severity)
	assert.Equal(t, "destructive", evs[0].Payload["category"])
}

func TestHistogramCountsByCategoryAndExtension(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "a.ts", repeatLines("const a = 1;", 150))

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "a.ts", Kind: protocol.OpUpdate, Content: "const a = 1;\n"},
		{Path: "missing.ts", Kind: protocol.OpPatch, Patches: []protocol.Patch{{Search: "q", Replace: "r"}}},
	}}
	g.Validate(cs, nil)

	hist := g.Histogram()
	assert.Equal(t, 1, hist["destructive:ts"])
	assert.Equal(t, 1, hist["file_not_found:ts"])
}

func TestDeleteOperationPasses(t *testing.T) {
	g, root := newTestGate(t, Options{})
	writeFile(t, root, "old.go", "package old\n")

	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "old.go", Kind: protocol.OpDelete},
	}}
	res := g.Validate(cs, []string{"old.go"})
	assert.True(t, res.Valid)
}

func TestSummaryIncludesSuggestions(t *testing.T) {
	g, _ := newTestGate(t, Options{})
	cs := &protocol.ChangeSet{Operations: []protocol.FileOperation{
		{Path: "nope.go", Kind: protocol.OpPatch, Patches: []protocol.Patch{{Search: "a", Replace: "b"}}},
	}}
	res := g.Validate(cs, nil)
	require.False(t, res.Valid)
	summary := res.Summary()
	assert.Contains(t, summary, "[file_not_found/recoverable]")
	assert.Contains(t, summary, "suggestion")
}
