package draft

import "strings"

// Placeholder marks a field that still needs content.
const Placeholder = "（待补充）"

// PlaceholderToken is the common prefix of every "still missing" placeholder.
const PlaceholderToken = "（待"

// Sanitize trims value and substitutes placeholder for empty text and for the
// literal "undefined" or "null" that model output sometimes carries, which
// would otherwise break Mermaid rendering in the frontend.
func Sanitize(value, placeholder string) string {
	s := strings.TrimSpace(value)
	if s == "" {
		return placeholder
	}
	switch strings.ToLower(s) {
	case "undefined", "null":
		return placeholder
	}
	return s
}

// Blank reports whether value would be replaced by Sanitize.
func Blank(value string) bool {
	return Sanitize(value, "") == ""
}
