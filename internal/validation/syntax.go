package validation

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"devloop/internal/logging"
)

// Regex-based syntax heuristics. These are deliberately coarse: they catch
// the failure shapes the child agent produces most often, and anything they
// flag is recoverable. The optional external compiler check is the only
// blocking syntax source.
var (
	anonymousFunctionRe = regexp.MustCompile(`\bfunction\s*\(`)
	tripleCloseBraceRe  = regexp.MustCompile(`\}\s*\}\s*\}\s*$`)
)

// compilerCheckTimeout bounds the external compiler invocation.
const compilerCheckTimeout = 30 * time.Second

// importErrorHints identify compiler output lines caused by unresolved
// imports; those do not block because the change-set may be adding the
// import target in the same batch.
var importErrorHints = []string{
	"cannot find module",
	"cannot find package",
	"could not import",
	"no required module provides",
	"unresolved import",
}

// checkSyntax screens content with the regex heuristics and, when an
// external compiler command is configured, delegates to it. Empty content
// (delete payloads, pure-removal patches) is skipped.
func (g *Gate) checkSyntax(path, content string, res *Result) {
	if content == "" {
		return
	}

	if anonymousFunctionRe.MatchString(content) {
		g.addError(res, Error{
			Category: CategorySyntax,
			Severity: SeverityRecoverable,
			Path:     path,
			Message:  "anonymous function( detected; name the function or use the file's existing style",
		})
	}
	for i, line := range strings.Split(content, "\n") {
		if tripleCloseBraceRe.MatchString(line) {
			g.addError(res, Error{
				Category: CategorySyntax,
				Severity: SeverityRecoverable,
				Path:     path,
				Message:  fmt.Sprintf("three closing braces on line %d; likely an unbalanced block", i+1),
			})
			break
		}
	}
	if open, closed := strings.Count(content, "{"), strings.Count(content, "}"); open != closed {
		g.addError(res, Error{
			Category: CategorySyntax,
			Severity: SeverityRecoverable,
			Path:     path,
			Message:  fmt.Sprintf("mismatched braces: %d opening vs %d closing", open, closed),
		})
	}
}

// CompilerCheck runs the configured external compiler command against the
// repo root and returns a blocking syntax error when it reports failures
// other than import resolution. A missing command is a no-op.
func (g *Gate) CompilerCheck(ctx context.Context) *Error {
	if g.compilerCmd == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, compilerCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", g.compilerCmd)
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		logging.Get(logging.CategoryValidation).Warnw("compiler check timed out", "cmd", g.compilerCmd)
		return nil
	}

	var real []string
	for _, line := range strings.Split(string(out), "\n") {
		t := strings.TrimSpace(line)
		if t == "" || isImportError(t) {
			continue
		}
		real = append(real, t)
	}
	if len(real) == 0 {
		return nil
	}
	e := &Error{
		Category: CategorySyntax,
		Severity: SeverityBlocking,
		Path:     "",
		Message:  fmt.Sprintf("compiler check failed: %s", strings.Join(truncateLines(real, 10), "; ")),
	}
	e.Suggestion = suggestionFor(*e)
	return e
}

func isImportError(line string) bool {
	lower := strings.ToLower(line)
	for _, hint := range importErrorHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func truncateLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}
