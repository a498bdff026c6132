package scanner

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"
)

// variants returns the distinct forms of s worth matching: the raw value,
// each successive URL-decoding pass, the HTML-unescaped form of the last
// pass and a NUL-stripped form. Matching every intermediate form catches
// payloads that only look dangerous after a specific number of decodes.
func variants(s string, maxPasses int) []string {
	out := make([]string, 0, maxPasses+3)
	seen := make(map[string]struct{}, maxPasses+3)
	add := func(v string) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	add(s)
	cur := s
	for i := 0; i < maxPasses; i++ {
		decoded, err := url.PathUnescape(cur)
		if err != nil || decoded == cur {
			break
		}
		cur = decoded
		add(cur)
	}
	if strings.ContainsRune(cur, '+') {
		if decoded, err := url.QueryUnescape(cur); err == nil {
			add(decoded)
		}
	}
	if strings.ContainsRune(cur, '&') {
		add(html.UnescapeString(cur))
	}
	if strings.ContainsRune(cur, 0) {
		add(strings.ReplaceAll(cur, "\x00", ""))
	}
	return out
}

// hasNullByte reports a literal NUL in any decoded form
func hasNullByte(forms []string) bool {
	for _, f := range forms {
		if strings.IndexByte(f, 0) >= 0 {
			return true
		}
	}
	return false
}

// hasOverlongUTF8 reports byte sequences that encode ASCII in more bytes
// than necessary (C0/C1 leads, E0 followed by 80-9F, F0 followed by 80-8F).
// Decoders that accept them turn "%c0%ae%c0%ae/" into "../".
func hasOverlongUTF8(forms []string) bool {
	for _, f := range forms {
		if utf8.ValidString(f) {
			continue
		}
		for i := 0; i < len(f); i++ {
			b := f[i]
			if b == 0xC0 || b == 0xC1 {
				return true
			}
			if i+1 < len(f) {
				next := f[i+1]
				if b == 0xE0 && next >= 0x80 && next <= 0x9F {
					return true
				}
				if b == 0xF0 && next >= 0x80 && next <= 0x8F {
					return true
				}
			}
		}
	}
	return false
}
