package notify

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/width"
)

// DefaultCountryCode is prefixed to national numbers.
const DefaultCountryCode = "91"

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
	nationalDigits = 10
)

// ErrInvalidPhone is returned when a number cannot be normalized.
var ErrInvalidPhone = errors.New("notify: invalid phone number")

// NormalizePhone reduces a human-entered phone number to international
// digits without a plus sign. Numbers written with "+" or "00" are taken as
// international. Anything else is national: one trunk "0" is dropped and
// defaultCC is prefixed when at most ten digits remain.
func NormalizePhone(raw, defaultCC string) (string, error) {
	if defaultCC == "" {
		defaultCC = DefaultCountryCode
	}
	s := strings.TrimSpace(width.Fold.String(raw))
	international := strings.HasPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case international:
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	default:
		if strings.HasPrefix(digits, "0") {
			digits = digits[1:]
		}
		if digits != "" && len(digits) <= nationalDigits {
			digits = defaultCC + digits
		}
	}

	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits || digits[0] == '0' {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	return digits, nil
}
