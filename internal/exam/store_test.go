package exam_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-quiz/internal/db"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

var dbSeq atomic.Int64

func newSQLiteStore(t *testing.T) exam.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:examstore%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dbSeq.Add(1))
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return exam.NewSQLStore(conn, string(db.DriverSQLite))
}

func newMemStore(*testing.T) exam.Store { return exam.NewInMemoryStore() }

var backends = []struct {
	name string
	open func(*testing.T) exam.Store
}{
	{"memory", newMemStore},
	{"sqlite", newSQLiteStore},
}

var base = time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)

func draftTest(id string) exam.Test {
	return exam.Test{
		ID: id, OwnerID: "inst-1", Title: "Quiz " + id,
		QuestionIDs: []string{"q1", "q2"}, TimeLimitSec: 600, PassingScore: 60, AttemptsAllowed: 2,
		Status: exam.TestDraft, CreatedAt: base, UpdatedAt: base, Version: 1,
	}
}

func newSession(id, testID, student string, n int) exam.Session {
	return exam.Session{
		ID: id, TestID: testID, StudentID: student, AttemptNumber: n,
		StartedAt: base.Add(time.Duration(n) * time.Minute), Deadline: base.Add(time.Duration(n)*time.Minute + 10*time.Minute),
		Status: exam.SessionInProgress, Answers: map[string]string{},
	}
}

func TestStore_TestCAS(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			tst := draftTest("t1")
			max := 30
			tst.Publication.MaxStudents = &max
			if err := st.CreateTest(ctx, tst); err != nil {
				t.Fatal(err)
			}
			got, err := st.GetTest(ctx, "t1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Title != tst.Title || len(got.QuestionIDs) != 2 || got.Publication.MaxStudents == nil || *got.Publication.MaxStudents != 30 {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			pub := got
			pub.Status = exam.TestPublished
			now := base.Add(time.Hour)
			pub.PublishedAt = &now
			updated, err := st.UpdateTest(ctx, pub, exam.TestDraft)
			if err != nil {
				t.Fatal(err)
			}
			if updated.Version != got.Version+1 || updated.Status != exam.TestPublished {
				t.Fatalf("version/status after update: %d %s", updated.Version, updated.Status)
			}

			// stale writer loses
			stale := got
			stale.Status = exam.TestArchived
			if _, err := st.UpdateTest(ctx, stale, exam.TestDraft); !errors.Is(err, exam.ErrConcurrencyConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if _, err := st.GetTest(ctx, "missing"); !errors.Is(err, exam.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStore_DueScheduledAndOwner(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			due := draftTest("due")
			due.Status = exam.TestScheduled
			at := base.Add(-time.Minute)
			due.PublishAt = &at
			later := draftTest("later")
			later.Status = exam.TestScheduled
			at2 := base.Add(time.Hour)
			later.PublishAt = &at2
			other := draftTest("other")
			other.OwnerID = "inst-2"
			for _, tt := range []exam.Test{due, later, other} {
				if err := st.CreateTest(ctx, tt); err != nil {
					t.Fatal(err)
				}
			}
			got, err := st.ListDueScheduled(ctx, base)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].ID != "due" {
				t.Fatalf("due = %+v", got)
			}
			mine, err := st.ListTestsByOwner(ctx, "inst-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(mine) != 2 {
				t.Fatalf("owner tests = %d, want 2", len(mine))
			}
		})
	}
}

func TestStore_Questions(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			qs := []exam.Question{
				{ID: "q1", Type: exam.MultipleChoice, CorrectAnswer: "A"},
				{ID: "q2", Type: exam.TrueFalse, CorrectAnswer: "True", Points: 2},
			}
			if err := st.PutQuestions(ctx, qs); err != nil {
				t.Fatal(err)
			}
			qs[0].CorrectAnswer = "C"
			if err := st.PutQuestions(ctx, qs[:1]); err != nil {
				t.Fatal(err)
			}
			got, err := st.GetQuestionsByIDs(ctx, []string{"q1", "q2", "q3"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d questions, want 2", len(got))
			}
			for _, q := range got {
				if q.ID == "q1" && q.CorrectAnswer != "C" {
					t.Fatalf("upsert did not replace answer key: %+v", q)
				}
				if q.ID == "q2" && q.Weight() != 2 {
					t.Fatalf("points lost: %+v", q)
				}
			}
		})
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			if err := st.CreateTest(ctx, draftTest("t1")); err != nil {
				t.Fatal(err)
			}
			if err := st.CreateSession(ctx, newSession("s1", "t1", "stu", 1)); err != nil {
				t.Fatal(err)
			}
			// second in_progress attempt is refused
			if err := st.CreateSession(ctx, newSession("s2", "t1", "stu", 2)); !errors.Is(err, exam.ErrSessionAlreadyActive) {
				t.Fatalf("expected already active, got %v", err)
			}
			if err := st.PutAnswer(ctx, "s1", "q1", "A"); err != nil {
				t.Fatal(err)
			}
			if err := st.PutAnswer(ctx, "s1", "q1", "B"); err != nil {
				t.Fatal(err)
			}
			s, err := st.GetSession(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if s.Answers["q1"] != "B" {
				t.Fatalf("last write should win, got %q", s.Answers["q1"])
			}

			at := base.Add(5 * time.Minute)
			done, err := st.TransitionSession(ctx, "s1", exam.SessionInProgress, exam.SessionSubmitted, exam.TriggerManual, at)
			if err != nil {
				t.Fatal(err)
			}
			if done.Status != exam.SessionSubmitted || done.SubmittedAt == nil || !done.SubmittedAt.Equal(at) || done.Trigger != exam.TriggerManual {
				t.Fatalf("transition result: %+v", done)
			}
			if _, err := st.TransitionSession(ctx, "s1", exam.SessionInProgress, exam.SessionExpired, exam.TriggerTimeout, at); !errors.Is(err, exam.ErrConflict) {
				t.Fatalf("second transition should conflict, got %v", err)
			}
			if err := st.PutAnswer(ctx, "s1", "q2", "True"); !errors.Is(err, exam.ErrSessionNotActive) {
				t.Fatalf("answer after submit: %v", err)
			}
			if err := st.PutAnswer(ctx, "nope", "q2", "True"); !errors.Is(err, exam.ErrNotFound) {
				t.Fatalf("answer on missing session: %v", err)
			}

			// attempt number 1 is taken by a submitted attempt
			if err := st.CreateSession(ctx, newSession("s3", "t1", "stu", 1)); !errors.Is(err, exam.ErrSessionAlreadyActive) {
				t.Fatalf("duplicate attempt number: %v", err)
			}
			if err := st.CreateSession(ctx, newSession("s4", "t1", "stu", 2)); err != nil {
				t.Fatal(err)
			}
			if _, err := st.TransitionSession(ctx, "s4", exam.SessionInProgress, exam.SessionAbandoned, "", at); err != nil {
				t.Fatal(err)
			}
			// abandoned attempt frees its number
			if err := st.CreateSession(ctx, newSession("s5", "t1", "stu", 2)); err != nil {
				t.Fatalf("reuse abandoned number: %v", err)
			}

			n, err := st.CountAttempts(ctx, "t1", "stu")
			if err != nil || n != 2 {
				t.Fatalf("CountAttempts = %d, %v; want 2", n, err)
			}
			if err := st.CreateSession(ctx, newSession("s6", "t1", "other", 1)); err != nil {
				t.Fatal(err)
			}
			d, err := st.CountDistinctStudents(ctx, "t1")
			if err != nil || d != 2 {
				t.Fatalf("CountDistinctStudents = %d, %v; want 2", d, err)
			}
			list, err := st.ListSessions(ctx, "t1", "stu")
			if err != nil || len(list) != 3 {
				t.Fatalf("ListSessions = %d, %v", len(list), err)
			}
		})
	}
}

func TestStore_OverdueAndUngraded(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			if err := st.CreateTest(ctx, draftTest("t1")); err != nil {
				t.Fatal(err)
			}
			for i, stu := range []string{"a", "b", "c"} {
				if err := st.CreateSession(ctx, newSession("s-"+stu, "t1", stu, 1+i)); err != nil {
					t.Fatal(err)
				}
			}
			overdue, err := st.ListOverdue(ctx, base.Add(12*time.Minute), 0)
			if err != nil {
				t.Fatal(err)
			}
			// deadlines are base+11m, base+12m, base+13m
			if len(overdue) != 1 || overdue[0].ID != "s-a" {
				t.Fatalf("overdue = %+v", overdue)
			}
			if _, err := st.TransitionSession(ctx, "s-a", exam.SessionInProgress, exam.SessionExpired, exam.TriggerTimeout, base.Add(12*time.Minute)); err != nil {
				t.Fatal(err)
			}
			if _, err := st.TransitionSession(ctx, "s-b", exam.SessionInProgress, exam.SessionSubmitted, exam.TriggerManual, base.Add(5*time.Minute)); err != nil {
				t.Fatal(err)
			}
			ungraded, err := st.ListUngraded(ctx, 10)
			if err != nil || len(ungraded) != 2 {
				t.Fatalf("ungraded = %d, %v", len(ungraded), err)
			}
			if _, _, err := st.PutResult(ctx, exam.Result{ID: "r1", AttemptID: "s-b", TestID: "t1", Revision: 1, GradedAt: base}); err != nil {
				t.Fatal(err)
			}
			ungraded, err = st.ListUngraded(ctx, 10)
			if err != nil || len(ungraded) != 1 || ungraded[0].ID != "s-a" {
				t.Fatalf("ungraded after grading = %+v, %v", ungraded, err)
			}
		})
	}
}

func TestStore_ResultsKeyedPut(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			if err := st.CreateTest(ctx, draftTest("t1")); err != nil {
				t.Fatal(err)
			}
			if err := st.CreateSession(ctx, newSession("a1", "t1", "s", 1)); err != nil {
				t.Fatal(err)
			}
			first := exam.Result{ID: "r1", AttemptID: "a1", TestID: "t1", StudentID: "s", Revision: 1, PercentageScore: 50, GradedAt: base}
			stored, inserted, err := st.PutResult(ctx, first)
			if err != nil || !inserted || stored.ID != "r1" {
				t.Fatalf("first put: %+v %v %v", stored, inserted, err)
			}
			dup := first
			dup.ID = "r-other"
			dup.PercentageScore = 99
			stored, inserted, err = st.PutResult(ctx, dup)
			if err != nil || inserted {
				t.Fatalf("duplicate put should not insert: %v %v", inserted, err)
			}
			if stored.ID != "r1" || stored.PercentageScore != 50 {
				t.Fatalf("duplicate should return the stored result, got %+v", stored)
			}

			second := exam.Result{ID: "r2", AttemptID: "a1", TestID: "t1", StudentID: "s", Revision: 2, Supersedes: "r1", PercentageScore: 100, GradedAt: base}
			if _, inserted, err := st.PutResult(ctx, second); err != nil || !inserted {
				t.Fatalf("revision put: %v %v", inserted, err)
			}
			latest, err := st.GetLatestResult(ctx, "a1")
			if err != nil || latest.ID != "r2" || latest.Supersedes != "r1" {
				t.Fatalf("latest = %+v, %v", latest, err)
			}
			list, err := st.ListResultsByTest(ctx, "t1")
			if err != nil || len(list) != 1 || list[0].Revision != 2 {
				t.Fatalf("ListResultsByTest = %+v, %v", list, err)
			}
			if _, err := st.GetLatestResult(ctx, "none"); !errors.Is(err, exam.ErrNotFound) {
				t.Fatalf("missing result: %v", err)
			}
		})
	}
}

func TestStore_ConcurrentCreateSingleWinner(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			if err := st.CreateTest(ctx, draftTest("t1")); err != nil {
				t.Fatal(err)
			}
			var wg sync.WaitGroup
			var ok atomic.Int32
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := st.CreateSession(ctx, newSession(fmt.Sprintf("s%d", i), "t1", "stu", 1)); err == nil {
						ok.Add(1)
					} else if !errors.Is(err, exam.ErrSessionAlreadyActive) {
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if ok.Load() != 1 {
				t.Fatalf("%d sessions created, want exactly 1", ok.Load())
			}
		})
	}
}

func TestStore_AnswersRacingSubmit(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			if err := st.CreateTest(ctx, draftTest("t1")); err != nil {
				t.Fatal(err)
			}
			if err := st.CreateSession(ctx, newSession("s1", "t1", "stu", 1)); err != nil {
				t.Fatal(err)
			}
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted = map[string]bool{}
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					qid := fmt.Sprintf("q%d", i)
					err := st.PutAnswer(ctx, "s1", qid, "A")
					switch {
					case err == nil:
						mu.Lock()
						accepted[qid] = true
						mu.Unlock()
					case !errors.Is(err, exam.ErrSessionNotActive):
						t.Errorf("%s: unexpected error: %v", qid, err)
					}
				}(i)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.TransitionSession(ctx, "s1", exam.SessionInProgress, exam.SessionSubmitted, exam.TriggerManual, base); err != nil {
					t.Errorf("submit: %v", err)
				}
			}()
			wg.Wait()

			s, err := st.GetSession(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if len(s.Answers) != len(accepted) {
				t.Fatalf("stored %d answers, %d writes accepted", len(s.Answers), len(accepted))
			}
			for qid := range accepted {
				if s.Answers[qid] != "A" {
					t.Fatalf("accepted answer %s missing from submitted session", qid)
				}
			}
			if err := st.PutAnswer(ctx, "s1", "late", "A"); !errors.Is(err, exam.ErrSessionNotActive) {
				t.Fatalf("answer after submit: %v", err)
			}
			if s, _ = st.GetSession(ctx, "s1"); s.Answers["late"] != "" {
				t.Fatal("late answer was stored")
			}
		})
	}
}
