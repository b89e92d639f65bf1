package tracker

import (
	"strings"
	"unicode"
)

const passwordSpecials = "!@#$%^&*()_+-=[]{}|;:,.<>?"

// ValidatePassword enforces the instance login password rule: 8 to 30
// characters drawn from at least three of upper case, lower case, digits and
// passwordSpecials.
func ValidatePassword(pw string) error {
	if n := len(pw); n < 8 || n > 30 {
		return invalid("password must be 8 to 30 characters long")
	}

	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		default:
			return invalid("password contains unsupported character %q", r)
		}
	}

	classes := 0
	for _, ok := range []bool{upper, lower, digit, special} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return invalid("password must contain at least three of: upper case letters, lower case letters, digits, symbols %s", passwordSpecials)
	}
	return nil
}
