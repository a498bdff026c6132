package scanner

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrUnreadableBody is returned when the request body cannot be read
var ErrUnreadableBody = errors.New("request body could not be read")

// headers that are never pattern-scanned; credentials are checked elsewhere
var skippedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

// Extract collects the string-valued inputs of r. The body is read up to
// the configured limit and put back so downstream handlers can read it.
func (s *Scanner) Extract(r *http.Request) (Input, error) {
	var in Input

	for i, seg := range strings.Split(r.URL.EscapedPath(), "/") {
		if seg == "" {
			continue
		}
		in.Locations = append(in.Locations, Location{
			Kind:  LocationPath,
			Name:  "segment" + strconv.Itoa(i),
			Value: seg,
		})
	}

	in.Locations = append(in.Locations, s.queryLocations(LocationQuery, r.URL.RawQuery)...)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		if !skippedHeaders[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			in.Locations = append(in.Locations, Location{Kind: LocationHeader, Name: name, Value: v})
		}
	}
	for _, c := range r.Cookies() {
		in.Locations = append(in.Locations, Location{Kind: LocationHeader, Name: "cookie." + c.Name, Value: c.Value})
	}

	if r.Body == nil || r.Body == http.NoBody {
		return in, nil
	}
	if r.ContentLength > s.cfg.MaxBodyBytes {
		in.BodySize = r.ContentLength
		return in, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return in, ErrUnreadableBody
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
	in.BodySize = int64(len(data))
	if in.BodySize > s.cfg.MaxBodyBytes || len(data) == 0 {
		return in, nil
	}

	switch bodyKind(r.Header.Get("Content-Type"), data) {
	case "json":
		in.Body = data
	case "form":
		in.Locations = append(in.Locations, s.queryLocations(LocationBody, string(data))...)
	case "text":
		in.Locations = append(in.Locations, Location{Kind: LocationBody, Name: "text", Value: string(data)})
	}
	return in, nil
}

// queryLocations splits an urlencoded string into one location per value
// and one per unusual key. When the string does not parse it is split on
// separators and each raw pair is scanned on its own.
func (s *Scanner) queryLocations(kind LocationKind, raw string) []Location {
	if raw == "" {
		return nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		var out []Location
		for _, pair := range strings.FieldsFunc(raw, func(r rune) bool { return r == '&' || r == ';' }) {
			name, _, _ := strings.Cut(pair, "=")
			out = append(out, Location{Kind: kind, Name: "raw", Value: pair, IdentitySearch: s.IsIdentityParam(name)})
		}
		return out
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Location
	for _, k := range keys {
		if !plainKey(k) {
			out = append(out, Location{Kind: kind, Name: k + "#key", Value: k})
		}
		identity := s.IsIdentityParam(k)
		for _, v := range values[k] {
			out = append(out, Location{Kind: kind, Name: k, Value: v, IdentitySearch: identity})
		}
	}
	return out
}

func plainKey(k string) bool {
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

// bodyKind decides how a body is scanned. Binary and multipart bodies are
// only size-checked.
func bodyKind(contentType string, data []byte) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || contentType == "" {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return "json"
		}
		return "text"
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return "json"
	case mediaType == "application/x-www-form-urlencoded":
		return "form"
	case strings.HasPrefix(mediaType, "text/"):
		return "text"
	default:
		return ""
	}
}
