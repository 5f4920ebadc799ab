package snapshot

import (
	"strings"

	"github.com/nexus-assist/core/internal/models"
)

// No third-party line-diff library appears in any example repo's go.mod
// (the closest candidate, a diff/patience library, is absent from the
// entire pack), so diff computation here is built on the standard
// library only. See DESIGN.md for the stdlib-exception justification.

func splitLinesPreserveTrailing(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	return lines
}

// ComputeDiffSummary counts added/removed logical lines between before and
// after using an LCS-based line diff. It is intentionally simple: an exact
// minimal edit script is not required, only added/removed counts.
func ComputeDiffSummary(before, after string) models.DiffSummary {
	a := splitLinesPreserveTrailing(before)
	b := splitLinesPreserveTrailing(after)

	lcs := longestCommonSubsequenceLen(a, b)
	return models.DiffSummary{
		LinesRemoved: len(a) - lcs,
		LinesAdded:   len(b) - lcs,
	}
}

// longestCommonSubsequenceLen computes the LCS length of two line slices
// via the standard O(n*m) dynamic-programming table.
func longestCommonSubsequenceLen(a, b []string) int {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return 0
	}
	// Use a rolling two-row table to keep memory linear in m.
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

// RemapAnchor maps an anchor line number from an operation-local "after"
// snapshot into the current on-disk content, by searching for a small
// context window of lines around the anchor. Falls back to clamping to the
// nearest valid line when no match is found (spec §4.6 / §9 open question;
// default window size 3 lines).
const defaultAnchorWindow = 3

func RemapAnchor(anchorAfterText string, anchorLine int, currentText string) int {
	anchorLines := splitLinesPreserveTrailing(anchorAfterText)
	currentLines := splitLinesPreserveTrailing(currentText)

	clamp := func(line int) int {
		if line < 0 {
			return 0
		}
		if len(currentLines) == 0 {
			return 0
		}
		if line >= len(currentLines) {
			return len(currentLines) - 1
		}
		return line
	}

	if anchorLine < 0 || anchorLine >= len(anchorLines) {
		return clamp(anchorLine)
	}

	lo := anchorLine - defaultAnchorWindow
	if lo < 0 {
		lo = 0
	}
	hi := anchorLine + defaultAnchorWindow
	if hi >= len(anchorLines) {
		hi = len(anchorLines) - 1
	}
	window := anchorLines[lo:hi]

	best := -1
	bestScore := -1
	for start := 0; start+len(window) <= len(currentLines); start++ {
		score := 0
		for i, w := range window {
			if currentLines[start+i] == w {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = start + (anchorLine - lo)
		}
	}
	if best == -1 {
		return clamp(anchorLine)
	}
	return clamp(best)
}
