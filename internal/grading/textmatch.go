package grading

import "strings"

// boolTokens is the only place answer strings are mapped to booleans.
var boolTokens = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true,
	"false": false, "f": false, "no": false, "n": false, "0": false,
}

// CanonicalBool maps an answer onto a boolean; ok is false for blank or
// unrecognised input.
func CanonicalBool(s string) (value, ok bool) {
	value, ok = boolTokens[strings.ToLower(strings.TrimSpace(s))]
	return value, ok
}

// GradeMultipleChoice is a trimmed, case-insensitive exact match. A blank
// student answer is never correct.
func GradeMultipleChoice(correct, student string) bool {
	student = strings.TrimSpace(student)
	if student == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(correct), student)
}

// GradeTrueFalse compares both sides after canonicalisation. A blank or
// unmapped student answer is never correct.
func GradeTrueFalse(correct, student string) bool {
	s, ok := CanonicalBool(student)
	if !ok {
		return false
	}
	c, ok := CanonicalBool(correct)
	if !ok {
		return false
	}
	return s == c
}
