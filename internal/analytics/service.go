package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/mindengage-quiz/internal/cache"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

type TestOverview struct {
	TestID  string          `json:"test_id"`
	Title   string          `json:"title"`
	Status  exam.TestStatus `json:"status"`
	Summary TestSummary     `json:"summary"`
}

type Dashboard struct {
	InstructorID string         `json:"instructor_id"`
	Tests        []TestOverview `json:"tests"`
	TotalStarted int            `json:"total_started"`
	TotalGraded  int            `json:"total_graded"`
	AverageScore float64        `json:"average_score"`
	PassingRate  float64        `json:"passing_rate"`
}

type Service struct {
	store  exam.Store
	cache  cache.Cache
	ttl    time.Duration
	fanout int
}

func NewService(store exam.Store, c cache.Cache, ttl time.Duration) *Service {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &Service{store: store, cache: c, ttl: ttl, fanout: 8}
}

func summaryKey(testID string) string   { return "analytics:summary:" + testID }
func questionsKey(testID string) string { return "analytics:questions:" + testID }

func (s *Service) owned(ctx context.Context, testID, instructorID string) (exam.Test, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return exam.Test{}, err
	}
	if t.OwnerID != instructorID {
		return exam.Test{}, fmt.Errorf("test %s: %w", testID, exam.ErrNotOwner)
	}
	return t, nil
}

// TestSummary is only available to the test's owner.
func (s *Service) TestSummary(ctx context.Context, testID, instructorID string) (TestSummary, error) {
	if _, err := s.owned(ctx, testID, instructorID); err != nil {
		return TestSummary{}, err
	}
	return s.summary(ctx, testID)
}

func (s *Service) summary(ctx context.Context, testID string) (TestSummary, error) {
	var out TestSummary
	err := cache.GetOrCompute(ctx, s.cache, summaryKey(testID), s.ttl, &out, func() (any, error) {
		sessions, err := s.store.ListSessionsByTest(ctx, testID)
		if err != nil {
			return nil, err
		}
		results, err := s.store.ListResultsByTest(ctx, testID)
		if err != nil {
			return nil, err
		}
		return SummarizeTest(testID, sessions, results), nil
	})
	return out, err
}

func (s *Service) QuestionAnalytics(ctx context.Context, testID, instructorID string) ([]QuestionAnalytics, error) {
	if _, err := s.owned(ctx, testID, instructorID); err != nil {
		return nil, err
	}
	var out []QuestionAnalytics
	err := cache.GetOrCompute(ctx, s.cache, questionsKey(testID), s.ttl, &out, func() (any, error) {
		results, err := s.store.ListResultsByTest(ctx, testID)
		if err != nil {
			return nil, err
		}
		return SummarizeQuestions(testID, results), nil
	})
	return out, err
}

// InstructorDashboard summarises every test the instructor owns.
func (s *Service) InstructorDashboard(ctx context.Context, instructorID string) (Dashboard, error) {
	tests, err := s.store.ListTestsByOwner(ctx, instructorID)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{InstructorID: instructorID, Tests: make([]TestOverview, len(tests))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, t := range tests {
		i, t := i, t
		g.Go(func() error {
			sum, err := s.summary(gctx, t.ID)
			if err != nil {
				return fmt.Errorf("summary %s: %w", t.ID, err)
			}
			d.Tests[i] = TestOverview{TestID: t.ID, Title: t.Title, Status: t.Status, Summary: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}

	var scoreSum float64
	var passed int
	for _, o := range d.Tests {
		d.TotalStarted += o.Summary.Started
		d.TotalGraded += o.Summary.Graded
		scoreSum += o.Summary.AverageScore * float64(o.Summary.Graded)
		passed += o.Summary.Passed
	}
	if d.TotalGraded > 0 {
		d.AverageScore = round2(scoreSum / float64(d.TotalGraded))
		d.PassingRate = round2(float64(passed) / float64(d.TotalGraded))
	}
	return d, nil
}

// Invalidate drops cached aggregates for the result's test. It is installed
// as the attempt service's graded hook.
func (s *Service) Invalidate(ctx context.Context, r exam.Result) {
	s.invalidateTest(ctx, r.TestID)
}

// SessionChanged drops cached aggregates when an attempt starts or is
// abandoned, since both move the started and in-progress counts.
func (s *Service) SessionChanged(ctx context.Context, sess exam.Session) {
	s.invalidateTest(ctx, sess.TestID)
}

// A failed delete leaves a stale entry until the TTL runs out.
func (s *Service) invalidateTest(ctx context.Context, testID string) {
	if err := s.cache.Delete(ctx, summaryKey(testID), questionsKey(testID)); err != nil {
		log.Warn().Err(err).Str("test_id", testID).Dur("ttl", s.ttl).Msg("analytics: cache invalidate failed")
	}
}
