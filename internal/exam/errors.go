package exam

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Concrete errors below match their class with errors.Is.
var (
	ErrPolicyViolation     = errors.New("policy violation")
	ErrAccessDenied        = errors.New("access denied")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrTransient           = errors.New("store temporarily unavailable")
	ErrDataIntegrity       = errors.New("data integrity error")
)

var (
	ErrNotOwner          = &classError{msg: "actor is not the test owner", class: ErrPolicyViolation}
	ErrNotPublishable    = &classError{msg: "test is not publishable", class: ErrPolicyViolation}
	ErrInvalidWindow     = &classError{msg: "available_from must be before available_until", class: ErrPolicyViolation}
	ErrInvalidQuota      = &classError{msg: "quota must be positive", class: ErrPolicyViolation}
	ErrPastSchedule      = &classError{msg: "publish_at must be in the future", class: ErrPolicyViolation}
	ErrInvalidTransition = &classError{msg: "status transition not allowed", class: ErrPolicyViolation}

	ErrSessionAlreadyActive = &classError{msg: "an attempt is already in progress", class: ErrConcurrencyConflict}
	ErrAlreadySubmitted     = &classError{msg: "attempt already submitted", class: ErrConcurrencyConflict}
	ErrConflict             = &classError{msg: "record changed concurrently", class: ErrConcurrencyConflict}

	ErrSessionNotActive = errors.New("attempt is not active")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUnknownQuestion  = errors.New("question is not part of this test")
)

type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Is(target error) bool { return target == e.class }

// Access denial reasons, surfaced verbatim to students.
const (
	ReasonNotPublished      = "not-published"
	ReasonNotAvailableYet   = "not-available-yet"
	ReasonExpiredWindow     = "expired-window"
	ReasonAttemptsExhausted = "attempts-exhausted"
	ReasonBadAccessCode     = "bad-access-code"
	ReasonQuotaReached      = "quota-reached"
)

type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "access denied: " + e.Reason }

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// ValidationError lists every failed publishability check.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "test is not publishable: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrNotPublishable || target == ErrPolicyViolation
}

// MissingQuestionsError reports questions a test references that the bank
// no longer has.
func MissingQuestionsError(testID string, ids []string) error {
	return fmt.Errorf("%w: test %s references unknown questions %v", ErrDataIntegrity, testID, ids)
}

// Reason extracts the access-denial reason, or "".
func Reason(err error) string {
	var ad *AccessDeniedError
	if errors.As(err, &ad) {
		return ad.Reason
	}
	return ""
}
