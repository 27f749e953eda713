package api

import (
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxNameLen is the maximum length for identities, names and room names.
const maxNameLen = 200

// maxEmailLen is the maximum length for email addresses (RFC 5321).
const maxEmailLen = 254

// maxPasswordLen is the maximum length for admin passwords.
const maxPasswordLen = 256

// maxTitleLen caps push titles.
const maxTitleLen = 200

// maxBodyLen caps push bodies and free-text notes.
const maxBodyLen = 2000

// emailRe is a basic email format regex. Not exhaustive; validates structure only.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateEmail checks that a string is a valid-looking email address.
func validateEmail(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxEmailLen {
		return field + " exceeds maximum length"
	}
	if !emailRe.MatchString(value) {
		return field + " is not a valid email address"
	}
	return ""
}

// validateLatLon checks WGS84 bounds.
func validateLatLon(lat, lon float64) string {
	if lat < -90 || lat > 90 {
		return "latitude must be between -90 and 90"
	}
	if lon < -180 || lon > 180 {
		return "longitude must be between -180 and 180"
	}
	return ""
}

// parseFloatParam parses an optional float query parameter. ok is false
// when the value is present but malformed.
func parseFloatParam(raw string) (v float64, present, ok bool) {
	if raw == "" {
		return 0, false, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, false
	}
	return v, true, true
}

// parseLimit parses a positive limit query parameter, clamped to max.
func parseLimit(raw string, def, max int) (int, string) {
	if raw == "" {
		return def, ""
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, "limit must be a positive integer"
	}
	if n > max {
		n = max
	}
	return n, ""
}

// containsControlChars reports whether s contains ASCII control characters
// other than tab, newline and carriage return.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
		if r == 0x7f {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
