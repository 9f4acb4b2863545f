package exam

import "fmt"

type TestStatus string

const (
	TestDraft       TestStatus = "draft"
	TestScheduled   TestStatus = "scheduled"
	TestPublished   TestStatus = "published"
	TestUnpublished TestStatus = "unpublished"
	TestArchived    TestStatus = "archived"
)

// ParseTestStatus rejects anything outside the closed set of statuses.
func ParseTestStatus(s string) (TestStatus, error) {
	switch st := TestStatus(s); st {
	case TestDraft, TestScheduled, TestPublished, TestUnpublished, TestArchived:
		return st, nil
	default:
		return "", fmt.Errorf("unknown test status %q", s)
	}
}

func (s *TestStatus) UnmarshalText(b []byte) error {
	st, err := ParseTestStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// CanTransition lists every legal edge of the test lifecycle. Archived is
// terminal; tests are never deleted.
func (s TestStatus) CanTransition(to TestStatus) bool {
	switch s {
	case TestDraft, TestUnpublished:
		return to == TestScheduled || to == TestPublished || to == TestArchived
	case TestScheduled:
		return to == TestScheduled || to == TestPublished || to == TestUnpublished || to == TestArchived
	case TestPublished:
		return to == TestPublished || to == TestUnpublished || to == TestArchived
	case TestArchived:
		return false
	default:
		panic(fmt.Sprintf("exam: unhandled test status %q", string(s)))
	}
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionSubmitted  SessionStatus = "submitted"
	SessionExpired    SessionStatus = "expired"
	SessionAbandoned  SessionStatus = "abandoned"
)

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case SessionInProgress, SessionSubmitted, SessionExpired, SessionAbandoned:
		return st, nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

func (s *SessionStatus) UnmarshalText(b []byte) error {
	st, err := ParseSessionStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionInProgress:
		return false
	case SessionSubmitted, SessionExpired, SessionAbandoned:
		return true
	default:
		panic(fmt.Sprintf("exam: unhandled session status %q", string(s)))
	}
}

func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case SessionSubmitted, SessionExpired, SessionAbandoned:
		return true
	case SessionInProgress:
		return false
	default:
		panic(fmt.Sprintf("exam: unhandled session status %q", string(to)))
	}
}

// ConsumesAttempt reports whether the session counts against the quota.
// Expired attempts count; only abandoned ones are given back.
func (s SessionStatus) ConsumesAttempt() bool {
	return s != SessionAbandoned
}
