package api

import (
	"html"
)

// SanitizeHTML entity-encodes user-supplied text before it is returned.
// Stored values are kept as entered; escaping happens on the way out so a
// client that drops the value into a page never renders it as markup.
func SanitizeHTML(input string) string {
	if input == "" {
		return ""
	}
	return html.EscapeString(input)
}
