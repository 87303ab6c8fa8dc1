// Package nearme provides the tiny deterministic pure helpers spec §4.N
// calls for: near-me phrase detection and script-based language
// detection. Neither makes an LLM call or any I/O.
package nearme

import "strings"

// nearMePhrases is the enumerated phrase set spec §4.N and §4.L name
// explicitly, lower-cased for case-insensitive matching.
var nearMePhrases = []string{
	// Hebrew
	"לידי", "לידיי", "ממני", "קרוב אליי", "בסביבה", "בקרבתי",
	// English
	"near me", "nearby", "around me", "close to me", "in my area",
}

// IsNearMeQuery reports whether q contains an enumerated "near me" phrase,
// case-insensitively.
func IsNearMeQuery(q string) bool {
	lower := strings.ToLower(q)
	for _, phrase := range nearMePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// DetectQueryLanguage returns "he" iff any rune in q lies in the Hebrew
// Unicode block U+0590..U+05FF; otherwise "en" (spec §4.N).
func DetectQueryLanguage(q string) string {
	for _, r := range q {
		if r >= 0x0590 && r <= 0x05FF {
			return "he"
		}
	}
	return "en"
}
