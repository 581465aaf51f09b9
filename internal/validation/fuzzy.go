package validation

import (
	"strings"
)

// Fuzzy anchor recovery parameters.
const (
	firstLineSimilarity  = 0.9 // Jaccard-bigram threshold for candidate positions
	excerptSimilarity    = 0.6 // threshold for "similar content" reporting
	meaningfulMinLen     = 5   // lines shorter than this carry no anchor signal
	excerptMinLen        = 10  // minimum search-line length for excerpt lookup
	windowSlack          = 5   // extra lines tried beyond the search length
	windowStartLookback  = 3   // lines before the candidate to start a window
)

// matchAnchor locates search inside content. Returns the exact file
// substring to use as the anchor and whether a match was found. A verbatim
// occurrence returns search unchanged; a fuzzy recovery returns the
// matched substring, which callers write back into the patch.
func matchAnchor(content, search string) (string, bool) {
	if strings.Contains(content, search) {
		return search, true
	}

	searchLines := strings.Split(search, "\n")
	meaningful := meaningfulLines(searchLines)
	if len(meaningful) == 0 {
		return "", false
	}
	normSearch := normalizeBlock(search)
	tightSearch := tightBlock(search)
	first := strings.TrimSpace(meaningful[0])
	tightFirst := stripSpaces(first)

	fileLines := strings.Split(content, "\n")
	for i, line := range fileLines {
		lt := strings.TrimSpace(line)
		if lt != first && stripSpaces(lt) != tightFirst && bigramJaccard(lt, first) <= firstLineSimilarity {
			continue
		}
		// Try windows anchored near this candidate, growing from the
		// search length up to searchLen+windowSlack lines, each starting
		// up to windowStartLookback lines earlier.
		for size := len(searchLines); size <= len(searchLines)+windowSlack; size++ {
			for back := 0; back <= windowStartLookback; back++ {
				start := i - back
				if start < 0 {
					continue
				}
				end := start + size
				if end > len(fileLines) {
					continue
				}
				window := strings.Join(fileLines[start:end], "\n")
				if normalizeBlock(window) == normSearch || tightBlock(window) == tightSearch {
					return window, true
				}
			}
		}
	}
	return "", false
}

// normalizeBlock produces the whitespace-insensitive form of a block: each
// line trimmed, empty lines dropped, runs of whitespace collapsed to one
// space.
func normalizeBlock(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		t := strings.Join(strings.Fields(line), " ")
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, "\n")
}

// tightBlock is the stricter fallback form: all intra-line whitespace
// removed, empty lines dropped. Catches spacing drift inside a line that
// run-collapsing keeps distinct, like `foo (x)` against `foo(x)`.
func tightBlock(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		t := stripSpaces(line)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, "\n")
}

// stripSpaces removes every whitespace run from a single line.
func stripSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// meaningfulLines filters to lines long enough to anchor on and not made
// solely of braces and punctuation.
func meaningfulLines(lines []string) []string {
	var out []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if len(t) <= meaningfulMinLen {
			continue
		}
		if strings.Trim(t, "{}()[];,. \t") == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// bigramJaccard computes Jaccard similarity over character bigrams.
func bigramJaccard(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	intersection := 0
	for g := range ba {
		if _, ok := bb[g]; ok {
			intersection++
		}
	}
	union := len(ba) + len(bb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func bigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = struct{}{}
	}
	return out
}

// similarLine finds the first file line with bigram similarity at or above
// excerptSimilarity to the first long line of the failed search, for
// "similar content at line N" reporting. Line numbers are 1-based.
func similarLine(content, search string) (int, string, bool) {
	var needle string
	for _, l := range strings.Split(search, "\n") {
		if len(strings.TrimSpace(l)) > excerptMinLen {
			needle = strings.TrimSpace(l)
			break
		}
	}
	if needle == "" {
		return 0, "", false
	}
	for i, line := range strings.Split(content, "\n") {
		lt := strings.TrimSpace(line)
		if lt == "" {
			continue
		}
		if bigramJaccard(lt, needle) >= excerptSimilarity {
			return i + 1, lt, true
		}
	}
	return 0, "", false
}
