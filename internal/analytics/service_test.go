package analytics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-quiz/internal/cache"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

type countingStore struct {
	exam.Store
	resultLists atomic.Int32
}

func (c *countingStore) ListResultsByTest(ctx context.Context, testID string) ([]exam.Result, error) {
	c.resultLists.Add(1)
	return c.Store.ListResultsByTest(ctx, testID)
}

func seed(t *testing.T, st exam.Store, testID, owner string, scores ...float64) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateTest(ctx, exam.Test{ID: testID, OwnerID: owner, Title: "T " + testID, Status: exam.TestPublished, QuestionIDs: []string{"q1"}}); err != nil {
		t.Fatal(err)
	}
	for i, score := range scores {
		id := fmt.Sprintf("%s-s%d", testID, i)
		if err := st.CreateSession(ctx, exam.Session{ID: id, TestID: testID, StudentID: id, AttemptNumber: 1, StartedAt: t0, Deadline: t0.Add(time.Hour), Status: exam.SessionInProgress}); err != nil {
			t.Fatal(err)
		}
		if _, err := st.TransitionSession(ctx, id, exam.SessionInProgress, exam.SessionSubmitted, exam.TriggerManual, t0.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		r := exam.Result{ID: id + "-r", AttemptID: id, TestID: testID, StudentID: id, Revision: 1, PercentageScore: score, Passed: score >= 50, TimeTakenSec: 60, GradedAt: t0.Add(time.Duration(i) * time.Second)}
		if _, _, err := st.PutResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestService_TestSummaryOwnerOnly(t *testing.T) {
	st := exam.NewInMemoryStore()
	seed(t, st, "t1", "inst", 100, 0)
	svc := NewService(st, cache.NewMemoryCache(), time.Minute)

	if _, err := svc.TestSummary(context.Background(), "t1", "someone-else"); !errors.Is(err, exam.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.QuestionAnalytics(context.Background(), "t1", "someone-else"); !errors.Is(err, exam.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.TestSummary(context.Background(), "missing", "inst"); !errors.Is(err, exam.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sum, err := svc.TestSummary(context.Background(), "t1", "inst")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Graded != 2 || sum.AverageScore != 50 || sum.PassingRate != 0.5 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestService_CachesUntilInvalidated(t *testing.T) {
	st := &countingStore{Store: exam.NewInMemoryStore()}
	seed(t, st, "t1", "inst", 80)
	svc := NewService(st, cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.TestSummary(ctx, "t1", "inst"); err != nil {
			t.Fatal(err)
		}
	}
	if n := st.resultLists.Load(); n != 1 {
		t.Fatalf("expected one store read, got %d", n)
	}

	// a new grade lands and the hook drops the cached aggregates
	r := exam.Result{ID: "late", AttemptID: "t1-s0", TestID: "t1", Revision: 2, PercentageScore: 20, GradedAt: t0}
	if _, _, err := st.PutResult(ctx, r); err != nil {
		t.Fatal(err)
	}
	svc.Invalidate(ctx, r)
	sum, err := svc.TestSummary(ctx, "t1", "inst")
	if err != nil {
		t.Fatal(err)
	}
	if st.resultLists.Load() != 2 || sum.AverageScore != 20 {
		t.Fatalf("expected fresh summary after invalidation, got %+v", sum)
	}
}

func TestService_InstructorDashboard(t *testing.T) {
	st := exam.NewInMemoryStore()
	seed(t, st, "t1", "inst", 100, 50, 0)
	seed(t, st, "t2", "inst", 90)
	seed(t, st, "t3", "other", 10)
	svc := NewService(st, nil, time.Minute)

	d, err := svc.InstructorDashboard(context.Background(), "inst")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Tests) != 2 {
		t.Fatalf("expected two owned tests, got %d", len(d.Tests))
	}
	if d.TotalStarted != 4 || d.TotalGraded != 4 {
		t.Fatalf("totals = %d/%d", d.TotalStarted, d.TotalGraded)
	}
	if d.AverageScore != 60 || d.PassingRate != 0.75 {
		t.Fatalf("average/passing = %v/%v", d.AverageScore, d.PassingRate)
	}

	empty, err := svc.InstructorDashboard(context.Background(), "nobody")
	if err != nil || len(empty.Tests) != 0 || empty.AverageScore != 0 {
		t.Fatalf("empty dashboard = %+v, %v", empty, err)
	}
}

func TestService_SessionChangeRefreshesCounts(t *testing.T) {
	st := exam.NewInMemoryStore()
	seed(t, st, "t1", "inst", 80)
	svc := NewService(st, cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()

	before, err := svc.TestSummary(ctx, "t1", "inst")
	if err != nil {
		t.Fatal(err)
	}
	sess := exam.Session{ID: "t1-new", TestID: "t1", StudentID: "late", AttemptNumber: 1, StartedAt: t0, Deadline: t0.Add(time.Hour), Status: exam.SessionInProgress}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	svc.SessionChanged(ctx, sess)
	after, err := svc.TestSummary(ctx, "t1", "inst")
	if err != nil {
		t.Fatal(err)
	}
	if after.Started != before.Started+1 {
		t.Fatalf("started %d -> %d, want one more", before.Started, after.Started)
	}
}

type brokenDeleteCache struct {
	cache.Cache
	deletes atomic.Int32
}

func (b *brokenDeleteCache) Delete(context.Context, ...string) error {
	b.deletes.Add(1)
	return errors.New("redis: connection refused")
}

func TestService_InvalidateLogsDeleteFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	c := &brokenDeleteCache{Cache: cache.NewMemoryCache()}
	svc := NewService(exam.NewInMemoryStore(), c, time.Minute)
	svc.Invalidate(context.Background(), exam.Result{TestID: "t1"})

	if c.deletes.Load() != 1 {
		t.Fatalf("delete called %d times", c.deletes.Load())
	}
	out := buf.String()
	if !strings.Contains(out, "cache invalidate failed") || !strings.Contains(out, `"test_id":"t1"`) {
		t.Fatalf("missing warning, log = %s", out)
	}
}
