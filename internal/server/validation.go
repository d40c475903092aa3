package server

import (
	"fmt"
	"unicode/utf8"
)

// ValidationError is an input that the API refuses to analyze.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ValidateText accepts 1..maxLen characters. maxLen <= 0 disables the upper bound.
func ValidateText(text string, maxLen int) error {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return &ValidationError{Field: "text", Msg: "must contain at least 1 character"}
	}
	if maxLen > 0 && n > maxLen {
		return &ValidationError{Field: "text", Msg: fmt.Sprintf("must contain at most %d characters", maxLen)}
	}
	return nil
}
