package scanner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate/util"

	"github.com/dlclark/regexp2"
)

// Config bounds scan cost and carries operator rules
type Config struct {
	MaxBodyBytes    int64
	MaxValueBytes   int
	MaxLocations    int
	MaxJSONDepth    int
	MaxDecodePasses int
	// IdentityParams are parameter names that feed directory lookups
	IdentityParams []string
	CustomRules    []RuleSpec
	RegexTimeout   time.Duration
}

// RuleSpec is an operator-defined rule in .NET/Perl regex syntax
type RuleSpec struct {
	Name     string
	Category string
	Pattern  string
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    2 * 1024 * 1024,
		MaxValueBytes:   8 * 1024,
		MaxLocations:    512,
		MaxJSONDepth:    32,
		MaxDecodePasses: 3,
		IdentityParams:  []string{"username", "user", "uid", "cn", "search", "filter"},
		RegexTimeout:    50 * time.Millisecond,
	}
}

type customRule struct {
	name     string
	category Category
	re       *regexp2.Regexp
}

// Scanner is safe for concurrent use; it holds no per-request state
type Scanner struct {
	cfg         Config
	patternSets [][]Pattern
	custom      []customRule
	identity    map[string]struct{}
}

// New compiles the scanner. Custom rules that fail to compile are an error.
func New(cfg Config) (*Scanner, error) {
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxValueBytes <= 0 {
		cfg.MaxValueBytes = def.MaxValueBytes
	}
	if cfg.MaxLocations <= 0 {
		cfg.MaxLocations = def.MaxLocations
	}
	if cfg.MaxJSONDepth <= 0 {
		cfg.MaxJSONDepth = def.MaxJSONDepth
	}
	if cfg.MaxDecodePasses <= 0 {
		cfg.MaxDecodePasses = def.MaxDecodePasses
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = def.RegexTimeout
	}

	s := &Scanner{
		cfg:         cfg,
		patternSets: defaultPatternSets(),
		identity:    make(map[string]struct{}, len(cfg.IdentityParams)),
	}
	for _, p := range cfg.IdentityParams {
		s.identity[strings.ToLower(p)] = struct{}{}
	}
	for _, spec := range cfg.CustomRules {
		if err := util.CheckRulePattern(spec.Pattern); err != nil {
			return nil, fmt.Errorf("invalid custom rule %q: %w", spec.Name, err)
		}
		re, err := regexp2.Compile(spec.Pattern, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("invalid custom rule %q: %w", spec.Name, err)
		}
		re.MatchTimeout = cfg.RegexTimeout
		cat := Category(spec.Category)
		if cat == "" {
			cat = CategoryCustom
		}
		s.custom = append(s.custom, customRule{name: spec.Name, category: cat, re: re})
	}
	return s, nil
}

// IsIdentityParam reports whether a parameter name feeds directory lookups
func (s *Scanner) IsIdentityParam(name string) bool {
	if i := strings.LastIndexAny(name, ".]"); i >= 0 {
		name = name[i+1:]
	}
	_, ok := s.identity[strings.ToLower(name)]
	return ok
}

// Scan returns the first violation found, in a fixed order: size limits,
// JSON structure, then per-location pattern sets.
func (s *Scanner) Scan(in Input) Result {
	if in.BodySize > s.cfg.MaxBodyBytes {
		return blocked(Location{Kind: LocationBody}, CategoryOversized, "body_too_large")
	}
	if len(in.Locations) > s.cfg.MaxLocations {
		return blocked(Location{Kind: LocationQuery}, CategoryOversized, "too_many_inputs")
	}
	for _, loc := range in.Locations {
		if len(loc.Name) > s.cfg.MaxValueBytes {
			return blocked(loc, CategoryOversized, "value_too_large")
		}
		// body text is bounded by MaxBodyBytes instead
		if loc.Kind != LocationBody && len(loc.Value) > s.cfg.MaxValueBytes {
			return blocked(loc, CategoryOversized, "value_too_large")
		}
	}

	locations := in.Locations
	if len(in.Body) > 0 {
		var bodyLocs []Location
		err := walkJSON(in.Body, s.cfg.MaxJSONDepth, func(path, value string) {
			bodyLocs = append(bodyLocs, Location{
				Kind:           LocationBody,
				Name:           path,
				Value:          value,
				IdentitySearch: !strings.HasSuffix(path, "#key") && s.IsIdentityParam(path),
			})
		})
		if err != nil {
			return jsonVerdict(err)
		}
		if len(locations)+len(bodyLocs) > s.cfg.MaxLocations {
			return blocked(Location{Kind: LocationBody}, CategoryOversized, "too_many_inputs")
		}
		locations = make([]Location, 0, len(in.Locations)+len(bodyLocs))
		locations = append(locations, in.Locations...)
		locations = append(locations, bodyLocs...)
	}

	for _, loc := range locations {
		if r := s.scanLocation(loc); r.Blocked {
			return r
		}
	}
	return Pass
}

func (s *Scanner) scanLocation(loc Location) Result {
	if loc.Value == "" {
		return Pass
	}
	forms := variants(loc.Value, s.cfg.MaxDecodePasses)

	for _, set := range s.patternSets {
		for _, p := range set {
			for _, f := range forms {
				if p.Regex.MatchString(f) {
					return blocked(loc, p.Category, p.Name)
				}
			}
		}
	}
	if hasNullByte(forms) {
		return blocked(loc, CategoryPathTraversal, "traversal_null_byte")
	}
	if hasOverlongUTF8(forms) {
		return blocked(loc, CategoryPathTraversal, "traversal_overlong_utf8")
	}
	if loc.IdentitySearch {
		for _, p := range ldapPatterns {
			for _, f := range forms {
				if p.Regex.MatchString(f) {
					return blocked(loc, p.Category, p.Name)
				}
			}
		}
	}
	for _, rule := range s.custom {
		for _, f := range forms {
			ok, err := rule.re.MatchString(f)
			if err != nil {
				// a rule that cannot finish is treated as a match
				return blocked(loc, rule.category, rule.name+":timeout")
			}
			if ok {
				return blocked(loc, rule.category, rule.name)
			}
		}
	}
	return Pass
}

func jsonVerdict(err error) Result {
	loc := Location{Kind: LocationBody}
	var keyErr *jsonKeyError
	switch {
	case errors.Is(err, errJSONDepth):
		return blocked(loc, CategoryJSONStructure, "json_depth")
	case errors.As(err, &keyErr):
		loc.Name = keyErr.path
		return blocked(loc, CategoryJSONStructure, keyErr.rule)
	default:
		return blocked(loc, CategoryJSONStructure, "json_invalid")
	}
}
