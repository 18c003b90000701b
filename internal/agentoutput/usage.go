// Package agentoutput extracts structured signals from raw agent transcripts.
package agentoutput

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Strob0t/AgentForge/internal/domain/task"
)

var (
	usageKeyRe      = regexp.MustCompile(`"usage"\s*:\s*\{`)
	jsonFragmentRe  = regexp.MustCompile(`"input_tokens"\s*:\s*(\d+)\s*,\s*"output_tokens"\s*:\s*(\d+)`)
	totalTokensRe   = regexp.MustCompile(`(?i)total\s+tokens:\s*\d+\s*\(\s*input:\s*(\d+)\s*,\s*output:\s*(\d+)\s*\)`)
	inputTokensRe   = regexp.MustCompile(`(?i)\binput_tokens"?\s*[:\s]\s*(\d+)`)
	outputTokensRe  = regexp.MustCompile(`(?i)\boutput_tokens"?\s*[:\s]\s*(\d+)`)
	usageStrategies = []func(string) (task.TokenUsage, bool){
		parseUsageObject,
		parseJSONFragment,
		parseTotalTokens,
		parseSeparatePhrases,
	}
)

// ParseUsage extracts token usage from agent output. Strategies are tried from
// most to least structured and the first one yielding both input and output
// counts wins. Within a strategy the last occurrence is used, so parsing a
// growing transcript converges on the final report.
func ParseUsage(raw string) (task.TokenUsage, bool) {
	if raw == "" {
		return task.TokenUsage{}, false
	}
	for _, strategy := range usageStrategies {
		if u, ok := strategy(raw); ok {
			return u, true
		}
	}
	return task.TokenUsage{}, false
}

type usagePayload struct {
	InputTokens              *int `json:"input_tokens"`
	OutputTokens             *int `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
}

// parseUsageObject decodes the value of every "usage" key found in the text.
func parseUsageObject(raw string) (task.TokenUsage, bool) {
	locs := usageKeyRe.FindAllStringIndex(raw, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		start := locs[i][1] - 1 // position of the opening brace
		var p usagePayload
		if err := json.NewDecoder(strings.NewReader(raw[start:])).Decode(&p); err != nil {
			continue
		}
		if p.InputTokens == nil || p.OutputTokens == nil {
			continue
		}
		return task.TokenUsage{
			InputTokens:              *p.InputTokens,
			OutputTokens:             *p.OutputTokens,
			CacheCreationInputTokens: p.CacheCreationInputTokens,
			CacheReadInputTokens:     p.CacheReadInputTokens,
		}, true
	}
	return task.TokenUsage{}, false
}

func parseJSONFragment(raw string) (task.TokenUsage, bool) {
	return lastPair(jsonFragmentRe, raw)
}

func parseTotalTokens(raw string) (task.TokenUsage, bool) {
	return lastPair(totalTokensRe, raw)
}

func parseSeparatePhrases(raw string) (task.TokenUsage, bool) {
	in, ok := lastInt(inputTokensRe, raw)
	if !ok {
		return task.TokenUsage{}, false
	}
	out, ok := lastInt(outputTokensRe, raw)
	if !ok {
		return task.TokenUsage{}, false
	}
	return task.TokenUsage{InputTokens: in, OutputTokens: out}, true
}

func lastPair(re *regexp.Regexp, raw string) (task.TokenUsage, bool) {
	matches := re.FindAllStringSubmatch(raw, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		in, err1 := strconv.Atoi(matches[i][1])
		out, err2 := strconv.Atoi(matches[i][2])
		if err1 == nil && err2 == nil {
			return task.TokenUsage{InputTokens: in, OutputTokens: out}, true
		}
	}
	return task.TokenUsage{}, false
}

func lastInt(re *regexp.Regexp, raw string) (int, bool) {
	matches := re.FindAllStringSubmatch(raw, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(matches[i][1]); err == nil {
			return n, true
		}
	}
	return 0, false
}
