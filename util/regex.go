package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxRulePatternLength bounds operator-supplied scanner rules
	MaxRulePatternLength = 512
	maxRuleRepetition    = 1000
	maxRuleNesting       = 6
)

var (
	nestedQuantifiers = regexp.MustCompile(`\)[*+]\s*[*+{]|\)[*+]\)|[*+]\)[*+{]|\}\)[*+{]`)
	repetitionRange   = regexp.MustCompile(`\{(\d+)(?:,(\d*))?\}`)
)

// CheckRulePattern rejects custom scanner rules whose shape is prone to
// catastrophic backtracking. Match timeouts still apply to rules that pass.
func CheckRulePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("rule pattern cannot be empty")
	}
	if len(pattern) > MaxRulePatternLength {
		return fmt.Errorf("rule pattern too long: %d characters (max %d)", len(pattern), MaxRulePatternLength)
	}
	if m := nestedQuantifiers.FindString(pattern); m != "" {
		return fmt.Errorf("rule pattern has nested quantifiers %q", m)
	}
	for _, m := range repetitionRange.FindAllStringSubmatch(pattern, -1) {
		for _, n := range m[1:] {
			if n == "" {
				continue
			}
			if v, err := strconv.Atoi(n); err != nil || v > maxRuleRepetition {
				return fmt.Errorf("rule pattern repetition %s exceeds %d", m[0], maxRuleRepetition)
			}
		}
	}

	depth := 0
	escaped := false
	for _, c := range pattern {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '(':
			depth++
			if depth > maxRuleNesting {
				return fmt.Errorf("rule pattern nests deeper than %d groups", maxRuleNesting)
			}
		case c == ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("rule pattern has unmatched parentheses")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("rule pattern has unmatched parentheses")
	}
	return nil
}
