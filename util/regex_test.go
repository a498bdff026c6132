package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRulePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"simple", `(?i)xp_cmdshell`, false},
		{"bounded", `\b(?:union)\s{1,10}select\b`, false},
		{"escaped parens", `\(\)\(\)`, false},
		{"empty", "  ", true},
		{"too long", strings.Repeat("a", MaxRulePatternLength+1), true},
		{"nested plus", `(a+)+$`, true},
		{"nested star", `(\w*)*x`, true},
		{"huge repetition", `a{1,5000}`, true},
		{"unbalanced", `(abc`, true},
		{"deep nesting", `(((((((a)))))))`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRulePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
