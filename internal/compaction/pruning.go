package compaction

import (
	"strconv"
	"strings"
	"time"

	"github.com/nexus-assist/core/internal/models"
)

// PruningMode controls when tool-result pruning runs ahead of summarization.
type PruningMode string

const (
	// PruningOff disables pruning entirely.
	PruningOff PruningMode = "off"
	// PruningCacheTTL prunes tool results once they are older than TTL and
	// the kept-suffix ratio crosses SoftTrimRatio/HardClearRatio.
	PruningCacheTTL PruningMode = "cache-ttl"
)

// PruningToolMatch controls which tool results are eligible for pruning, by
// allow/deny glob pattern against the tool name.
type PruningToolMatch struct {
	Allow []string
	Deny  []string
}

// PruningSoftTrim bounds how a prunable tool result is shortened before it
// is cleared outright.
type PruningSoftTrim struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// PruningHardClear replaces a tool result's content with a placeholder once
// soft-trimming alone can't bring the window back under HardClearRatio.
type PruningHardClear struct {
	Enabled     bool
	Placeholder string
}

// PruningSettings controls in-memory tool-result pruning, run ahead of
// Manager.Compress so stale, bulky tool output never forces an early
// summarization pass.
type PruningSettings struct {
	Mode                 PruningMode
	TTL                  time.Duration
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	Tools                PruningToolMatch
	SoftTrim             PruningSoftTrim
	HardClear            PruningHardClear
}

// DefaultPruningSettings returns conservative defaults: keep the last three
// assistant turns intact, soft-trim prunable tool results over 4000 chars
// once the window is 30% full, hard-clear once it's 50% full.
func DefaultPruningSettings() PruningSettings {
	return PruningSettings{
		Mode:                 PruningCacheTTL,
		TTL:                  5 * time.Minute,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50000,
		SoftTrim: PruningSoftTrim{
			MaxChars:  4000,
			HeadChars: 1500,
			TailChars: 1500,
		},
		HardClear: PruningHardClear{
			Enabled:     true,
			Placeholder: "[tool result cleared by context pruning]",
		},
	}
}

// PruneMessages trims or clears old tool results from history ahead of
// Manager.Compress, leaving the last KeepLastAssistants assistant turns and
// everything at or after the first User message untouched. Returns the
// original slice if the window is under SoftTrimRatio or nothing is
// eligible.
func PruneMessages(messages []*models.Message, settings PruningSettings, charWindow int) []*models.Message {
	if settings.Mode == PruningOff || len(messages) == 0 || charWindow <= 0 {
		return messages
	}

	cutoffIndex, ok := findAssistantCutoffIndex(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}

	pruneStart := findFirstUserIndex(messages)
	if pruneStart < 0 || pruneStart >= cutoffIndex {
		return messages
	}

	totalChars := estimateContextChars(messages)
	if float64(totalChars)/float64(charWindow) < settings.SoftTrimRatio {
		return messages
	}

	isToolPrunable := makeToolPrunablePredicate(settings.Tools)
	toolNames := buildToolCallNameMap(messages)

	type prunableRef struct{ index int }
	var prunable []prunableRef
	var next []*models.Message

	for i := pruneStart; i < cutoffIndex; i++ {
		msg := currentMessage(messages, next, i)
		if msg == nil || msg.ToolResult == nil {
			continue
		}
		toolName := toolNames[msg.ToolResult.ToolID]
		if !isToolPrunable(toolName) {
			continue
		}
		prunable = append(prunable, prunableRef{index: i})

		trimmed, changed := softTrimToolResult(msg.ToolResult.ResultForAssistant, settings)
		if !changed {
			continue
		}
		before := estimateMessageChars(msg)
		updated := copyMessageWithToolResult(msg)
		updated.ToolResult.ResultForAssistant = trimmed
		after := estimateMessageChars(updated)
		totalChars += after - before
		next = ensureMessage(next, messages, i, updated)
	}

	output := messages
	if next != nil {
		output = next
	}

	if float64(totalChars)/float64(charWindow) < settings.HardClearRatio || !settings.HardClear.Enabled {
		return output
	}

	prunableChars := 0
	for _, ref := range prunable {
		msg := currentMessage(messages, next, ref.index)
		if msg == nil || msg.ToolResult == nil {
			continue
		}
		prunableChars += len(msg.ToolResult.ResultForAssistant)
	}
	if prunableChars < settings.MinPrunableToolChars {
		return output
	}

	ratio := float64(totalChars) / float64(charWindow)
	for _, ref := range prunable {
		if ratio < settings.HardClearRatio {
			break
		}
		msg := currentMessage(messages, next, ref.index)
		if msg == nil || msg.ToolResult == nil {
			continue
		}
		before := estimateMessageChars(msg)
		updated := copyMessageWithToolResult(msg)
		updated.ToolResult.ResultForAssistant = settings.HardClear.Placeholder
		after := estimateMessageChars(updated)
		totalChars += after - before
		ratio = float64(totalChars) / float64(charWindow)
		next = ensureMessage(next, messages, ref.index, updated)
	}

	if next != nil {
		return next
	}
	return messages
}

func findAssistantCutoffIndex(messages []*models.Message, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func findFirstUserIndex(messages []*models.Message) int {
	for i, msg := range messages {
		if msg != nil && msg.Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func softTrimToolResult(content string, settings PruningSettings) (string, bool) {
	rawLen := len(content)
	if rawLen <= settings.SoftTrim.MaxChars {
		return content, false
	}
	headChars := maxInt(settings.SoftTrim.HeadChars, 0)
	tailChars := maxInt(settings.SoftTrim.TailChars, 0)
	if headChars+tailChars >= rawLen {
		return content, false
	}
	head := content[:headChars]
	tail := content[rawLen-tailChars:]
	trimmed := head + "\n...\n" + tail
	note := "\n\n[tool result trimmed: kept first " + strconv.Itoa(headChars) +
		" and last " + strconv.Itoa(tailChars) + " chars of " + strconv.Itoa(rawLen) + "]"
	return trimmed + note, true
}

func makeToolPrunablePredicate(match PruningToolMatch) func(string) bool {
	deny := normalizePatterns(match.Deny)
	allow := normalizePatterns(match.Allow)
	return func(toolName string) bool {
		normalized := strings.ToLower(strings.TrimSpace(toolName))
		if normalized == "" {
			return false
		}
		if matchesAny(normalized, deny) {
			return false
		}
		if len(allow) == 0 {
			return true
		}
		return matchesAny(normalized, allow)
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		value := strings.ToLower(strings.TrimSpace(p))
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, name) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		part := parts[i]
		if part == "" {
			continue
		}
		pos := strings.Index(value[idx:], part)
		if pos < 0 {
			return false
		}
		idx += pos + len(part)
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}

func buildToolCallNameMap(messages []*models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ToolID != "" && tc.ToolName != "" {
				names[tc.ToolID] = tc.ToolName
			}
		}
	}
	return names
}

func estimateContextChars(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageChars(msg)
	}
	return total
}

func estimateMessageChars(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Text)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.ToolName) + len(tc.Arguments)
	}
	if msg.ToolResult != nil {
		chars += len(msg.ToolResult.ResultForAssistant)
	}
	return chars
}

func currentMessage(messages, next []*models.Message, index int) *models.Message {
	if next != nil {
		return next[index]
	}
	return messages[index]
}

func ensureMessage(next, messages []*models.Message, index int, updated *models.Message) []*models.Message {
	if next == nil {
		next = make([]*models.Message, len(messages))
		copy(next, messages)
	}
	next[index] = updated
	return next
}

func copyMessageWithToolResult(msg *models.Message) *models.Message {
	clone := *msg
	if msg.ToolResult != nil {
		result := *msg.ToolResult
		clone.ToolResult = &result
	}
	return &clone
}

func maxInt(value, min int) int {
	if value < min {
		return min
	}
	return value
}
