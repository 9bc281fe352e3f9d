package qa

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BannedPhrases is the literal, case-insensitive substring blacklist for
// aggregation-package output.
var BannedPhrases = []string{
	"TODO: implement",
	"as an AI language model",
	"I cannot assist",
}

// RequiredAggregationKeys are the top-level keys the aggregation package's
// strict-JSON output must carry.
var RequiredAggregationKeys = []string{"fileTree", "files", "report"}

// ValidateAggregationOutput rejects output that contains a banned phrase,
// is not valid JSON, or lacks a required key. Dispatch is package-id keyed:
// callers should only invoke this for the designated aggregation package.
func ValidateAggregationOutput(output string) error {
	lower := strings.ToLower(output)
	for _, phrase := range BannedPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return fmt.Errorf("qa: aggregation output contains banned phrase %q", phrase)
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return fmt.Errorf("qa: aggregation output is not valid JSON: %w", err)
	}

	for _, key := range RequiredAggregationKeys {
		if _, ok := parsed[key]; !ok {
			return fmt.Errorf("qa: aggregation output missing required key %q", key)
		}
	}
	return nil
}

// SyntheticMissingDepsOutput is the canonical synthetic JSON produced when
// the aggregation package short-circuits on missing dependency artifacts.
func SyntheticMissingDepsOutput() string {
	return `{"fileTree":[],"files":{},"report":{"summary":"Dependency artifacts missing","aggregations":{}}}`
}
