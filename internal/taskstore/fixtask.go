package taskstore

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"devloop/internal/logging"
)

// Line-number extraction patterns applied to error text, in order.
var lineNumberRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bline\s+(\d+)`),
	regexp.MustCompile(`:(\d+):`),
	regexp.MustCompile(`\bat\s+\S+:(\d+)`),
}

// genericPathRe matches name.ext:N references in error output.
var genericPathRe = regexp.MustCompile(`([\w./\\-]+\.[A-Za-z][A-Za-z0-9]*):\d+`)

// builtinGuidance maps error signatures to fix guidance appended to the
// synthesized task description. Config errorGuidance entries override by key.
var builtinGuidance = []struct {
	key   string
	match *regexp.Regexp
	text  string
}{
	{
		key:   "patch_failure",
		match: regexp.MustCompile(`(?i)(patch|search).*(not\s+found|failed)`),
		text:  "The previous patch anchor did not match. Re-read the current file and copy the search text exactly, including whitespace.",
	},
	{
		key:   "undefined_method",
		match: regexp.MustCompile(`(?i)(undefined|unresolved|cannot\s+find)\s+(method|function|name|symbol)`),
		text:  "A referenced symbol does not exist. Define it in the same change-set or correct the reference.",
	},
	{
		key:   "syntax_error",
		match: regexp.MustCompile(`(?i)syntax\s+error|unexpected\s+token|expected\s+['"}\)\]]`),
		text:  "The last change introduced a syntax error. Check brace and parenthesis balance around the edited region.",
	},
	{
		key:   "test_failure",
		match: regexp.MustCompile(`(?i)\d+\s+(test|tests|spec|specs)?\s*fail`),
		text:  "Tests failed after the change. Read the failing assertions below and fix the implementation, not the tests.",
	},
}

// CreateFixTask increments the retry counter for the original task's base
// id and either synthesizes a fix task or, when the new count exceeds the
// cap, marks the original blocked and returns nil. The returned task has
// already been persisted.
func (s *Store) CreateFixTask(originalID FlexID, errorDescription, testOutput string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.Get(logging.CategoryTaskStore)
	base := BaseID(originalID)
	s.retries[base]++
	count := s.retries[base]

	if count > s.maxRetries {
		log.Warnw("retry cap exceeded, blocking task",
			"task", originalID, "base", base, "retries", count, "cap", s.maxRetries)
		for i := range s.tasks {
			if s.tasks[i].ID == originalID {
				s.tasks[i].Status = StatusBlocked
				break
			}
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var origTitle string
	var origTargets []string
	for _, t := range s.tasks {
		if t.ID == originalID {
			origTitle = t.Title
			origTargets = t.TargetFiles
			break
		}
	}
	if origTitle == "" {
		origTitle = string(originalID)
	}

	fix := Task{
		ID:           FlexID(fmt.Sprintf("fix-%s-%d", originalID, time.Now().UnixMilli())),
		Title:        "Fix: " + origTitle,
		Description:  s.describeFailure(errorDescription, testOutput),
		Status:       StatusPending,
		Priority:     PriorityCritical,
		Dependencies: []FlexID{originalID},
		TargetFiles:  origTargets,
	}
	s.tasks = append(s.tasks, fix)
	if err := s.save(); err != nil {
		return nil, err
	}
	log.Infow("created fix task", "id", fix.ID, "base", base, "attempt", count)
	return &fix, nil
}

// describeFailure builds the enriched fix-task description: the raw error,
// extracted line numbers and file paths, signature-specific guidance, and
// the tail of the test output.
func (s *Store) describeFailure(errorDescription, testOutput string) string {
	var b strings.Builder
	b.WriteString("The previous attempt failed.\n\nError:\n")
	b.WriteString(errorDescription)

	combined := errorDescription + "\n" + testOutput

	if lines := extractLineNumbers(combined); len(lines) > 0 {
		b.WriteString(fmt.Sprintf("\n\nLines referenced: %s", strings.Join(lines, ", ")))
	}
	if paths := s.extractFilePaths(combined); len(paths) > 0 {
		b.WriteString(fmt.Sprintf("\nFiles referenced: %s", strings.Join(paths, ", ")))
	}
	if g := s.guidanceFor(combined); g != "" {
		b.WriteString("\n\nGuidance: " + g)
	}
	if testOutput != "" {
		b.WriteString("\n\nTest output:\n" + tail(testOutput, 2000))
	}
	return b.String()
}

// extractLineNumbers pulls distinct line references from error text.
func extractLineNumbers(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range lineNumberRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if _, ok := seen[m[1]]; ok {
				continue
			}
			seen[m[1]] = struct{}{}
			out = append(out, m[1])
			if len(out) >= 10 {
				return out
			}
		}
	}
	return out
}

// extractFilePaths pulls distinct file references using the configured
// patterns plus the generic name.ext:N form.
func (s *Store) extractFilePaths(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, re := range s.pathPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 {
				add(m[1])
			} else {
				add(m[0])
			}
			if len(out) >= 10 {
				return out
			}
		}
	}
	for _, m := range genericPathRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
		if len(out) >= 10 {
			break
		}
	}
	return out
}

// guidanceFor returns signature-specific guidance, preferring configured
// overrides by key.
func (s *Store) guidanceFor(text string) string {
	for _, g := range builtinGuidance {
		if !g.match.MatchString(text) {
			continue
		}
		if override, ok := s.guidance[g.key]; ok && override != "" {
			return override
		}
		return g.text
	}
	return ""
}

// tail returns the last n bytes of text, trimmed to a line boundary.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := text[len(text)-n:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		cut = cut[idx+1:]
	}
	return cut
}
