package utils

import (
	"strings"
	"unicode"
)

// GetInitialsFromName extracts up to two uppercase initials from a full name,
// falling back to the email's local part and then to "U".
func GetInitialsFromName(name, email string) string {
	if strings.TrimSpace(name) == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	words := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == '_' || r == '-'
	})
	if len(words) == 0 {
		return "U"
	}

	first := []rune(words[0])
	initials := []rune{first[0]}
	if len(words) > 1 {
		initials = append(initials, []rune(words[1])[0])
	} else if len(first) > 1 {
		initials = append(initials, first[1])
	}
	return strings.ToUpper(string(initials))
}
