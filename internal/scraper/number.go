package scraper

import (
	"strconv"
	"strings"
)

// CleanNumber keeps only the digits of text and parses them. Persian and
// Arabic-Indic digits count as digits. Text without any digit is invalid.
func CleanNumber(text string) (int64, bool) {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		}
	}
	if b.Len() == 0 {
		return 0, false
	}

	value, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
