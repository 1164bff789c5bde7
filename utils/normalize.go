package utils

import (
	"strings"

	"github.com/badoux/checkmail"
)

// brCountryCode is prefixed to national numbers; inbound traffic comes
// from Brazilian form/automation tools that rarely send the full E.164
// form.
const brCountryCode = "55"

// NormalizePhone canonicalizes a phone string to "+<countrycode><number>"
// so that "11999990000", "5511999990000" and "+55 11 99999-0000" all
// compare equal. Returns "" when the input carries no digits.
func NormalizePhone(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	if digits == "" {
		return ""
	}

	switch {
	case len(digits) == 11:
		// National number with area code, e.g. 11987654321
		return "+" + brCountryCode + digits
	case (len(digits) == 12 || len(digits) == 13) && strings.HasPrefix(digits, brCountryCode):
		// Already carries the country code
		return "+" + digits
	default:
		// Trailing digits are the most significant part of a dialable
		// number; keep the last 11 and treat the rest as noise
		if len(digits) > 11 {
			digits = digits[len(digits)-11:]
		}
		return "+" + brCountryCode + digits
	}
}

// NormalizeEmail lower-cases and trims the address. Syntactically invalid
// addresses normalize to "" so they never become a dedup key.
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return ""
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return ""
	}
	return email
}
