package executor

import (
	"fmt"
	"strings"
)

const maxLineLength = 1000

var dangerousPatterns = []string{
	"eval(",
	"Function(",
	"require(",
	"import(",
	"fetch(",
	"XMLHttpRequest",
	"process.",
	"global.",
	"globalThis",
	"__proto__",
	".constructor",
}

// AnalyzeSecurity flags constructs worth a reviewer's attention. Findings
// are informational; capability enforcement happens at run time.
func AnalyzeSecurity(script string) []string {
	var findings []string
	for _, pattern := range dangerousPatterns {
		if strings.Contains(script, pattern) {
			findings = append(findings, fmt.Sprintf("potentially dangerous pattern: %s", pattern))
		}
	}
	if strings.Contains(script, `\x`) || strings.Contains(script, `\u`) {
		findings = append(findings, "escape sequences that may hide identifiers")
	}
	for i, line := range strings.Split(script, "\n") {
		if len(line) > maxLineLength {
			findings = append(findings, fmt.Sprintf("line %d is longer than %d characters", i+1, maxLineLength))
			break
		}
	}
	return findings
}
