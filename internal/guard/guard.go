// Package guard detects and neutralizes prompt-injection phrasing in task text.
package guard

import (
	"math"
	"regexp"
)

// AuditThreshold is the score above which callers post an audit comment.
const AuditThreshold = 0.5

const filtered = "[filtered]"

type family struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

var families = []family{
	{
		name:   "instruction_override",
		weight: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override|bypass)\s+(all\s+|any\s+)?(of\s+)?(the\s+|your\s+)?(previous|prior|above|earlier|preceding|original|system)\s+(instructions?|prompts?|rules|directions|guidelines|context)`),
			regexp.MustCompile(`(?i)\bdisregard\s+(everything\s+|all\s+)?(the\s+)?above\b`),
			regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
		},
	},
	{
		name:   "role_hijack",
		weight: 0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the|in)\b`),
			regexp.MustCompile(`(?i)\bfrom\s+now\s+on,?\s+you\s+(are|will|must)\b`),
			regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are)\b`),
			regexp.MustCompile(`(?i)\bact\s+as\s+(an?\s+)?(unrestricted|unfiltered|jailbroken|dan)\b`),
			regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:`),
		},
	},
	{
		name:   "config_disclosure",
		weight: 0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|leak|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+prompt|instructions|hidden\s+prompt|configuration|api\s+keys?|secrets?|credentials|environment\s+variables)`),
			regexp.MustCompile(`(?i)\bwhat\s+(is|are)\s+your\s+(system\s+prompt|instructions|api\s+keys?)\b`),
		},
	},
	{
		name:   "delimiter_injection",
		weight: 0.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`<\|im_(start|end)\|>`),
			regexp.MustCompile(`<\|(system|user|assistant|endoftext)\|>`),
			regexp.MustCompile(`\[/?INST\]`),
			regexp.MustCompile(`<</?SYS>>`),
		},
	},
}

type Result struct {
	SanitizedText string
	Flags         []string
	RiskScore     float64
}

// NeedsAudit reports whether the score warrants an audit comment.
func (r Result) NeedsAudit() bool {
	return r.RiskScore > AuditThreshold
}

// AnalyzeAndSanitize flags injection families present in text and replaces
// every match with a placeholder. The rest of the text is preserved.
func AnalyzeAndSanitize(text string) Result {
	res := Result{SanitizedText: text}
	score := 0.0
	for _, f := range families {
		matched := false
		for _, re := range f.patterns {
			if !re.MatchString(res.SanitizedText) {
				continue
			}
			matched = true
			res.SanitizedText = re.ReplaceAllString(res.SanitizedText, filtered)
		}
		if matched {
			res.Flags = append(res.Flags, f.name)
			score += f.weight
		}
	}
	res.RiskScore = math.Min(1, score)
	return res
}
