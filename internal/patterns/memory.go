// Package patterns implements the pattern memory: a persistent mapping from
// error signatures (regexes) to guidance strings. Recognized failures
// increment occurrence counts; unmatched failures with caller-supplied
// guidance become learned patterns. Relevant patterns are ranked per task
// and folded into the child's prompt as preventive advice.
package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"devloop/internal/fsutil"
	"devloop/internal/logging"
)

// Pattern pairs an error-matching regex with guidance injected into
// future prompts.
type Pattern struct {
	ID          string   `json:"id"`
	Regex       string   `json:"regex"`
	Guidance    string   `json:"guidance"`
	Occurrences int      `json:"occurrences"`
	LastSeen    string   `json:"lastSeen,omitempty"` // ISO-8601
	Files       []string `json:"files,omitempty"`
	Learned     bool     `json:"learned,omitempty"`

	compiled *regexp.Regexp
}

// Memory holds built-in and learned patterns and persists them to one
// JSON file. A Memory instance is owned by a single scheduler; its methods
// serialize internally so the monitor may read concurrently.
type Memory struct {
	mu       sync.Mutex
	path     string
	patterns []*Pattern
}

// learnedRegexPrefix caps how much of an unmatched error becomes the
// learned pattern's signature.
const learnedRegexPrefix = 100

// builtins are seeded on every startup; saved occurrence counts and
// last-seen timestamps are merged on top at load.
func builtins() []*Pattern {
	return []*Pattern{
		{
			ID:       "removed-helpers",
			Regex:    `(?i)removed\s+(helper|utility|internal)\s+functions?`,
			Guidance: "Do not remove existing helper functions. Patch only the lines the task requires and leave surrounding code intact.",
		},
		{
			ID:       "patch-search-not-found",
			Regex:    `(?i)(patch|search)\s+(string|anchor|text)\s+not\s+found`,
			Guidance: "Copy the search text verbatim from the current file contents, including indentation. Do not retype it from memory.",
		},
		{
			ID:       "full-rewrite",
			Regex:    `(?i)(rewrote|replaced)\s+(the\s+)?entire\s+file`,
			Guidance: "Use patch operations for targeted edits. Full-file updates on large files are rejected as destructive.",
		},
		{
			ID:       "missing-symbol",
			Regex:    `(?i)cannot\s+find\s+(module|name|symbol|package)`,
			Guidance: "Verify the import path or identifier exists before referencing it. Check the file list for the correct module name.",
		},
		{
			ID:       "undefined-method",
			Regex:    `(?i)(undefined|unresolved)\s+(method|function|reference)`,
			Guidance: "Only call functions that already exist in the target files, or create them in the same change-set.",
		},
		{
			ID:       "syntax-error",
			Regex:    `(?i)syntax\s+error|unexpected\s+token`,
			Guidance: "Balance braces and parentheses. Re-read the patched region after editing to confirm the file still parses.",
		},
	}
}

// NewMemory creates a pattern memory backed by the given file, seeding
// built-ins and merging any persisted state on top.
func NewMemory(path string) (*Memory, error) {
	m := &Memory{path: path, patterns: builtins()}
	for _, p := range m.patterns {
		if err := p.compile(); err != nil {
			return nil, fmt.Errorf("built-in pattern %s: %w", p.ID, err)
		}
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Pattern) compile() error {
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return fmt.Errorf("invalid pattern regex: %w", err)
	}
	p.compiled = re
	return nil
}

// load merges persisted patterns on top of built-ins. Saved occurrence
// counts and last-seen timestamps win; unknown ids are appended as learned
// patterns. Unparseable saved regexes are skipped with a warning.
func (m *Memory) load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pattern file: %w", err)
	}

	var saved []*Pattern
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("failed to parse pattern file: %w", err)
	}

	log := logging.Get(logging.CategoryPatterns)
	byID := make(map[string]*Pattern, len(m.patterns))
	for _, p := range m.patterns {
		byID[p.ID] = p
	}
	for _, s := range saved {
		if existing, ok := byID[s.ID]; ok {
			existing.Occurrences = s.Occurrences
			existing.LastSeen = s.LastSeen
			existing.Files = s.Files
			continue
		}
		if err := s.compile(); err != nil {
			log.Warnw("skipping saved pattern with bad regex", "id", s.ID, "error", err)
			continue
		}
		s.Learned = true
		m.patterns = append(m.patterns, s)
		byID[s.ID] = s
	}
	return nil
}

// save persists all patterns atomically.
func (m *Memory) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.patterns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal patterns: %w", err)
	}
	return fsutil.WriteFileAtomic(m.path, data, func(b []byte) error {
		var check []*Pattern
		return json.Unmarshal(b, &check)
	})
}

// Record matches errorText against known patterns. On a match the
// pattern's occurrence count increments, last-seen updates, and file (when
// non-empty) is unioned into its file set. When nothing matches and
// guidance is non-empty, a learned pattern is created whose regex is the
// escaped first 100 characters of the error. Returns the affected pattern
// or nil.
func (m *Memory) Record(errorText, file, guidance string) (*Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range m.patterns {
		if p.compiled == nil || !p.compiled.MatchString(errorText) {
			continue
		}
		p.Occurrences++
		p.LastSeen = now
		if file != "" && !containsString(p.Files, file) {
			p.Files = append(p.Files, file)
		}
		return p, m.save()
	}

	if guidance == "" {
		return nil, nil
	}

	body := errorText
	if len(body) > learnedRegexPrefix {
		body = body[:learnedRegexPrefix]
	}
	learned := &Pattern{
		ID:          fmt.Sprintf("learned-%d", time.Now().UnixMilli()),
		Regex:       regexp.QuoteMeta(body),
		Guidance:    guidance,
		Occurrences: 1,
		LastSeen:    now,
		Learned:     true,
	}
	if file != "" {
		learned.Files = []string{file}
	}
	if err := learned.compile(); err != nil {
		return nil, err
	}
	m.patterns = append(m.patterns, learned)
	logging.Get(logging.CategoryPatterns).Infow("learned new pattern", "id", learned.ID)
	return learned, m.save()
}

// Ranked is a pattern with its relevance score for one task.
type Ranked struct {
	Pattern *Pattern
	Score   float64
}

// RelevantFor scores each pattern against the task text and its expected
// target files. Built-in patterns are always included, learned patterns
// only with positive score. Results are ordered by descending score.
func (m *Memory) RelevantFor(taskText string, targetFiles []string) []Ranked {
	m.mu.Lock()
	defer m.mu.Unlock()

	targetBases := make(map[string]struct{}, len(targetFiles))
	for _, f := range targetFiles {
		targetBases[filepath.Base(f)] = struct{}{}
	}
	lower := strings.ToLower(taskText)
	testTask := strings.Contains(lower, "test") || strings.Contains(lower, "spec")
	modifyTask := strings.Contains(lower, "modify") || strings.Contains(lower, "update") ||
		strings.Contains(lower, "fix") || strings.Contains(lower, "refactor")

	var out []Ranked
	for _, p := range m.patterns {
		score := 0.1 * float64(p.Occurrences)
		if score > 0.3 {
			score = 0.3
		}
		for _, f := range p.Files {
			if _, ok := targetBases[filepath.Base(f)]; ok {
				score += 0.3
				break
			}
		}
		pText := strings.ToLower(p.ID + " " + p.Guidance)
		if testTask && (strings.Contains(pText, "test") || strings.Contains(pText, "helper")) {
			score += 0.2
		}
		if modifyTask && strings.Contains(pText, "patch") {
			score += 0.2
		}

		if p.Learned && score <= 0 {
			continue
		}
		out = append(out, Ranked{Pattern: p, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// maxPromptPatterns bounds how many patterns a guidance prompt carries.
const maxPromptPatterns = 5

// GuidancePrompt renders the top-ranked patterns as a prompt fragment for
// injection into the child's system prompt. Returns "" when no pattern has
// positive relevance.
func (m *Memory) GuidancePrompt(taskText string, targetFiles []string) string {
	ranked := m.RelevantFor(taskText, targetFiles)
	var lines []string
	for _, r := range ranked {
		if r.Score <= 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s", r.Pattern.Guidance))
		if len(lines) >= maxPromptPatterns {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Known failure modes to avoid:\n" + strings.Join(lines, "\n")
}

// All returns a snapshot of the current patterns.
func (m *Memory) All() []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, *p)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
