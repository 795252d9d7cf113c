// Package answer holds the rules a captured answer must satisfy before it is
// sent for grading.
package answer

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MinLength is the minimum number of characters, after trimming surrounding
// whitespace, an answer needs to be graded.
const MinLength = 30

// ErrTooShort is returned for answers under MinLength.
var ErrTooShort = errors.New("answer must be at least 30 characters")

// Validate reports whether text is long enough to grade. Length is counted in
// runes.
func Validate(text string) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinLength {
		return ErrTooShort
	}
	return nil
}
