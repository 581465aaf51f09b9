// Package validation implements the pre-apply gate over proposed
// change-sets: module boundary enforcement, destructive-update detection,
// patch anchor verification with fuzzy recovery, and best-effort syntax
// screening. Nothing touches the filesystem until a change-set passes.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sergi/go-diff/diffmatchpatch"

	"devloop/internal/events"
	"devloop/internal/logging"
	"devloop/internal/protocol"
)

// Category classifies a validation error.
type Category string

const (
	CategoryBoundary      Category = "boundary"
	CategoryDestructive   Category = "destructive"
	CategoryFileNotFound  Category = "file_not_found"
	CategoryPatchNotFound Category = "patch_not_found"
	CategorySyntax        Category = "syntax"
)

// Severity classifies how an error affects the task.
type Severity string

const (
	SeverityBlocking    Severity = "blocking"
	SeverityRecoverable Severity = "recoverable"
)

// Error is one classified validation failure with its recovery suggestion.
type Error struct {
	Category   Category    `json:"category"`
	Severity   Severity    `json:"severity"`
	Path       string      `json:"path"`
	Message    string      `json:"message"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// Warning is a non-fatal observation attached to the result.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of validating one change-set.
type Result struct {
	Valid    bool      `json:"valid"`
	Errors   []Error   `json:"errors"`
	Warnings []Warning `json:"warnings"`
}

// HasBlocking reports whether any error is blocking.
func (r Result) HasBlocking() bool {
	for _, e := range r.Errors {
		if e.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Summary formats the errors for use as a failure description.
func (r Result) Summary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "[%s/%s] %s: %s\n", e.Category, e.Severity, e.Path, e.Message)
		if e.Suggestion != nil {
			fmt.Fprintf(&b, "  suggestion (%s): %s\n", e.Suggestion.Action, e.Suggestion.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Options configures a Gate.
type Options struct {
	Root        string   // Repo root; operation paths resolve against it
	IgnoreGlobs []string // doublestar globs; matches produce warnings
	CompilerCmd string   // Optional external compiler check command
	Bus         *events.Bus
}

// Destructive-update thresholds.
const (
	destructiveRatio    = 0.5
	destructiveMinLines = 100
	largeFileLines      = 500
)

// Gate validates change-sets against the filesystem and policy rules.
// One gate is owned by one scheduler.
type Gate struct {
	root        string
	ignoreGlobs []string
	compilerCmd string
	bus         *events.Bus

	histMu    sync.Mutex
	histogram map[string]int // "{category}:{ext}" -> count

	dmp *diffmatchpatch.DiffMatchPatch
}

// NewGate creates a validation gate.
func NewGate(opts Options) *Gate {
	return &Gate{
		root:        opts.Root,
		ignoreGlobs: opts.IgnoreGlobs,
		compilerCmd: opts.CompilerCmd,
		bus:         opts.Bus,
		histogram:   make(map[string]int),
		dmp:         diffmatchpatch.New(),
	}
}

// Validate screens a change-set. allowedPaths, when non-empty, defines the
// module boundary for non-create operations. Patch operations whose anchors
// are recovered fuzzily have their search strings rewritten in place on the
// passed change-set. An empty change-set is valid.
func (g *Gate) Validate(cs *protocol.ChangeSet, allowedPaths []string) Result {
	res := Result{Errors: []Error{}, Warnings: []Warning{}}
	if cs.Empty() {
		res.Valid = true
		return res
	}

	for i := range cs.Operations {
		op := &cs.Operations[i]
		g.checkIgnored(op, &res)
		if err := g.checkBoundary(op, allowedPaths); err != nil {
			g.addError(&res, *err)
			continue
		}
		switch op.Kind {
		case protocol.OpCreate:
			g.checkCreate(op, &res)
		case protocol.OpUpdate:
			g.checkUpdate(op, &res)
		case protocol.OpPatch:
			g.checkPatch(op, &res)
		case protocol.OpDelete:
			// Deletes pass; destructive policy covers rewrites, not
			// explicit deletions the task declared.
		default:
			g.addError(&res, Error{
				Category: CategorySyntax,
				Severity: SeverityBlocking,
				Path:     op.Path,
				Message:  fmt.Sprintf("unknown operation kind %q", op.Kind),
			})
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// addError attaches the recovery suggestion, updates the histogram, and
// emits the validation event.
func (g *Gate) addError(res *Result, e Error) {
	if e.Suggestion == nil {
		e.Suggestion = suggestionFor(e)
	}
	res.Errors = append(res.Errors, e)

	g.histMu.Lock()
	ext := strings.TrimPrefix(filepath.Ext(e.Path), ".")
	if ext == "" {
		ext = "none"
	}
	g.histogram[fmt.Sprintf("%s:%s", e.Category, ext)]++
	g.histMu.Unlock()

	logging.Get(logging.CategoryValidation).Warnw("validation error",
		"category", e.Category, "severity", e.Severity, "path", e.Path, "message", e.Message)

	if g.bus != nil {
		sev := events.SeverityWarn
		if e.Severity == SeverityBlocking {
			sev = events.SeverityError
		}
		g.bus.Emit(events.TypeValidationError, map[string]any{
			"category":   string(e.Category),
			"severity":   string(e.Severity),
			"path":       e.Path,
			"message":    e.Message,
			"suggestion": e.Suggestion,
		}, events.EmitOptions{Severity: sev})
	}
}

// checkIgnored warns when an operation targets a path matching an ignore
// glob; those paths are normally generated or vendored.
func (g *Gate) checkIgnored(op *protocol.FileOperation, res *Result) {
	for _, glob := range g.ignoreGlobs {
		if ok, err := doublestar.Match(glob, op.Path); err == nil && ok {
			res.Warnings = append(res.Warnings, Warning{
				Path:    op.Path,
				Message: fmt.Sprintf("targets ignored path (glob %q)", glob),
			})
			return
		}
	}
}

// checkBoundary enforces the module boundary: a non-create operation must
// target a path equal to, under the directory of, or sharing a basename
// with an allowed entry.
func (g *Gate) checkBoundary(op *protocol.FileOperation, allowed []string) *Error {
	if len(allowed) == 0 || op.Kind == protocol.OpCreate {
		return nil
	}
	p := filepath.ToSlash(filepath.Clean(op.Path))
	base := filepath.Base(p)
	for _, a := range allowed {
		ac := filepath.ToSlash(filepath.Clean(a))
		if p == ac {
			return nil
		}
		if dir := pathDir(ac); dir != "" && strings.HasPrefix(p, dir+"/") {
			return nil
		}
		if filepath.Base(ac) == base {
			return nil
		}
	}
	return &Error{
		Category: CategoryBoundary,
		Severity: SeverityBlocking,
		Path:     op.Path,
		Message:  fmt.Sprintf("path is outside the task's module boundary (%d allowed entries)", len(allowed)),
	}
}

// pathDir returns the directory of an allowed entry, "" for bare names.
func pathDir(p string) string {
	d := filepath.ToSlash(filepath.Dir(p))
	if d == "." {
		return ""
	}
	return d
}

// checkCreate rejects create operations on existing files and screens the
// new content's syntax.
func (g *Gate) checkCreate(op *protocol.FileOperation, res *Result) {
	full := filepath.Join(g.root, op.Path)
	if _, err := os.Stat(full); err == nil {
		g.addError(res, Error{
			Category: CategoryDestructive,
			Severity: SeverityRecoverable,
			Path:     op.Path,
			Message:  "create targets a file that already exists; use update or patch",
		})
		return
	}
	g.checkSyntax(op.Path, op.Content, res)
}

// isTestFile reports whether the path names a test file by the .spec. /
// .test. convention.
func isTestFile(path string) bool {
	base := filepath.Base(path)
	return strings.Contains(base, ".spec.") || strings.Contains(base, ".test.")
}

// checkUpdate applies the destructive-update rules, then syntax screening.
func (g *Gate) checkUpdate(op *protocol.FileOperation, res *Result) {
	full := filepath.Join(g.root, op.Path)
	existing, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			// Update on a missing file degrades to a create; warn only.
			res.Warnings = append(res.Warnings, Warning{
				Path:    op.Path,
				Message: "update targets a missing file; it will be created",
			})
			g.checkSyntax(op.Path, op.Content, res)
			return
		}
		g.addError(res, Error{
			Category: CategoryFileNotFound,
			Severity: SeverityRecoverable,
			Path:     op.Path,
			Message:  fmt.Sprintf("cannot read target: %v", err),
		})
		return
	}

	if isTestFile(op.Path) {
		g.addError(res, Error{
			Category: CategoryDestructive,
			Severity: SeverityRecoverable,
			Path:     op.Path,
			Message:  "full update of a test file is not allowed; patch the specific assertions instead",
		})
		return
	}

	existingLines := countLines(string(existing))
	newLines := countLines(op.Content)
	if existingLines >= destructiveMinLines && float64(newLines) < float64(existingLines)*destructiveRatio {
		g.addError(res, Error{
			Category: CategoryDestructive,
			Severity: SeverityBlocking,
			Path:     op.Path,
			Message: fmt.Sprintf("update shrinks file from %d to %d lines; looks like an accidental rewrite",
				existingLines, newLines),
		})
		return
	}
	if existingLines > largeFileLines {
		res.Warnings = append(res.Warnings, Warning{
			Path:    op.Path,
			Message: fmt.Sprintf("large file update (%d lines): %s", existingLines, g.diffSummary(string(existing), op.Content)),
		})
	}
	g.checkSyntax(op.Path, op.Content, res)
}

// checkPatch verifies every patch anchor against the current file,
// attempting fuzzy recovery and rewriting recovered anchors in place.
func (g *Gate) checkPatch(op *protocol.FileOperation, res *Result) {
	full := filepath.Join(g.root, op.Path)
	data, err := os.ReadFile(full)
	if err != nil {
		g.addError(res, Error{
			Category: CategoryFileNotFound,
			Severity: SeverityRecoverable,
			Path:     op.Path,
			Message:  "patch targets a file that does not exist",
		})
		return
	}
	content := string(data)

	for i := range op.Patches {
		p := &op.Patches[i]
		matched, ok := matchAnchor(content, p.Search)
		if ok {
			if matched != p.Search {
				logging.Get(logging.CategoryValidation).Debugw("fuzzy-recovered patch anchor",
					"path", op.Path, "patch", i)
				p.Search = matched
			}
			continue
		}
		msg := "patch search string not found in file"
		if line, excerpt, found := similarLine(content, p.Search); found {
			msg = fmt.Sprintf("patch search string not found; similar content at line %d: %q", line, excerpt)
		}
		g.addError(res, Error{
			Category: CategoryPatchNotFound,
			Severity: SeverityRecoverable,
			Path:     op.Path,
			Message:  msg,
		})
	}

	for _, p := range op.Patches {
		g.checkSyntax(op.Path, p.Replace, res)
	}
}

// diffSummary reports line add/remove counts between two versions.
func (g *Gate) diffSummary(before, after string) string {
	a, b, lines := g.dmp.DiffLinesToChars(before, after)
	diffs := g.dmp.DiffCharsToLines(g.dmp.DiffMain(a, b, false), lines)
	var added, removed int
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return fmt.Sprintf("+%d/-%d lines", added, removed)
}

// Histogram returns a snapshot of the "{category}:{ext}" error counts for
// periodic export.
func (g *Gate) Histogram() map[string]int {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	out := make(map[string]int, len(g.histogram))
	for k, v := range g.histogram {
		out[k] = v
	}
	return out
}

// countLines counts content lines; empty content is zero lines.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
