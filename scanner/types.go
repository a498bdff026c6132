// Package scanner classifies request inputs against injection shapes.
//
// The scanner is stateless: the same Input always yields the same Result.
// It never performs I/O and its cost is linear in the input size.
package scanner

// Category is a family of attack shapes
type Category string

const (
	CategorySQLi             Category = "sqli"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryLDAPInjection    Category = "ldap_injection"
	CategoryJSONStructure    Category = "json_structure"
	CategoryOversized        Category = "oversized"
	CategoryCustom           Category = "custom"
)

// LocationKind says where in the request a value came from
type LocationKind string

const (
	LocationQuery  LocationKind = "query"
	LocationHeader LocationKind = "header"
	LocationPath   LocationKind = "path"
	LocationBody   LocationKind = "body"
)

// Location is one named string-valued input
type Location struct {
	Kind  LocationKind
	Name  string
	Value string
	// IdentitySearch marks values that feed directory lookups (LDAP rules apply)
	IdentitySearch bool
}

// Ref returns "kind:name" for audit records. It never includes the value.
func (l Location) Ref() string {
	if l.Name == "" {
		return string(l.Kind)
	}
	return string(l.Kind) + ":" + l.Name
}

// Input is everything the scanner looks at for one request
type Input struct {
	Locations []Location
	// Body is the raw JSON body, if any. It is walked with a streaming
	// decoder so depth is bounded before anything is materialized.
	Body []byte
	// BodySize is the declared or observed body size in bytes
	BodySize int64
}

// Result is the scan verdict
type Result struct {
	Blocked  bool
	Location Location
	Category Category
	Rule     string
}

// Pass is the zero-value verdict
var Pass = Result{}

func blocked(loc Location, cat Category, rule string) Result {
	// Drop the value so a verdict can be logged without echoing input
	loc.Value = ""
	return Result{Blocked: true, Location: loc, Category: cat, Rule: rule}
}
