// Package analytics turns stored attempts and results into per-test and
// per-question statistics for instructors.
package analytics

import (
	"math"
	"sort"
	"strings"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

type TestSummary struct {
	TestID           string  `json:"test_id"`
	Started          int     `json:"started"`
	InProgress       int     `json:"in_progress"`
	Graded           int     `json:"graded"`
	CompletionRate   float64 `json:"completion_rate"`
	AverageScore     float64 `json:"average_score"`
	MedianScore      float64 `json:"median_score"`
	MinScore         float64 `json:"min_score"`
	MaxScore         float64 `json:"max_score"`
	Passed           int     `json:"passed"`
	PassingRate      float64 `json:"passing_rate"`
	AverageTimeTaken float64 `json:"average_time_taken"`
}

type QuestionAnalytics struct {
	QuestionID            string  `json:"question_id"`
	QuestionNumber        int     `json:"question_number"`
	Attempts              int     `json:"total_attempts"`
	Correct               int     `json:"correct"`
	Incorrect             int     `json:"incorrect"`
	Unanswered            int     `json:"unanswered"`
	AccuracyRate          float64 `json:"accuracy_rate"`
	MostCommonWrongAnswer *string `json:"most_common_wrong_answer"`
	WrongAnswerCount      int     `json:"most_common_wrong_answer_count"`
}

// latest keeps the highest revision per attempt, ordered by grading time
// then attempt id.
func latest(testID string, results []exam.Result) []exam.Result {
	byAttempt := make(map[string]exam.Result, len(results))
	for _, r := range results {
		if r.TestID != testID {
			continue
		}
		if cur, ok := byAttempt[r.AttemptID]; !ok || r.Revision > cur.Revision {
			byAttempt[r.AttemptID] = r
		}
	}
	out := make([]exam.Result, 0, len(byAttempt))
	for _, r := range byAttempt {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GradedAt.Equal(out[j].GradedAt) {
			return out[i].AttemptID < out[j].AttemptID
		}
		return out[i].GradedAt.Before(out[j].GradedAt)
	})
	return out
}

// SummarizeTest aggregates one test. Every session counts as started,
// abandoned ones included; only the latest result revision of an attempt
// is scored.
func SummarizeTest(testID string, sessions []exam.Session, results []exam.Result) TestSummary {
	sum := TestSummary{TestID: testID}
	for _, s := range sessions {
		if s.TestID != testID {
			continue
		}
		sum.Started++
		if s.Status == exam.SessionInProgress {
			sum.InProgress++
		}
	}
	graded := latest(testID, results)
	sum.Graded = len(graded)
	if sum.Started > 0 {
		sum.CompletionRate = round2(float64(sum.Graded) / float64(sum.Started))
	}
	if len(graded) == 0 {
		return sum
	}

	scores := make([]float64, len(graded))
	var total, elapsed float64
	for i, r := range graded {
		scores[i] = r.PercentageScore
		total += r.PercentageScore
		elapsed += float64(r.TimeTakenSec)
		if r.Passed {
			sum.Passed++
		}
	}
	sort.Float64s(scores)
	n := float64(len(scores))
	sum.AverageScore = round2(total / n)
	sum.MedianScore = round2(median(scores))
	sum.MinScore = scores[0]
	sum.MaxScore = scores[len(scores)-1]
	sum.PassingRate = round2(float64(sum.Passed) / n)
	sum.AverageTimeTaken = round2(elapsed / n)
	return sum
}

func median(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// SummarizeQuestions reports per-question accuracy across the latest
// results. The most common wrong answer breaks ties by first appearance.
func SummarizeQuestions(testID string, results []exam.Result) []QuestionAnalytics {
	type tally struct {
		qa     QuestionAnalytics
		counts map[string]int
		order  []string
	}
	byQ := map[string]*tally{}
	for _, r := range latest(testID, results) {
		for _, q := range r.Questions {
			t, ok := byQ[q.QuestionID]
			if !ok {
				t = &tally{qa: QuestionAnalytics{QuestionID: q.QuestionID, QuestionNumber: q.QuestionNumber}, counts: map[string]int{}}
				byQ[q.QuestionID] = t
			}
			t.qa.Attempts++
			switch {
			case q.StudentAnswer == nil || strings.TrimSpace(*q.StudentAnswer) == "":
				t.qa.Unanswered++
			case q.IsCorrect:
				t.qa.Correct++
			default:
				t.qa.Incorrect++
				a := strings.TrimSpace(*q.StudentAnswer)
				if t.counts[a] == 0 {
					t.order = append(t.order, a)
				}
				t.counts[a]++
			}
		}
	}

	out := make([]QuestionAnalytics, 0, len(byQ))
	for _, t := range byQ {
		if t.qa.Attempts > 0 {
			t.qa.AccuracyRate = round2(float64(t.qa.Correct) / float64(t.qa.Attempts))
		}
		for _, a := range t.order {
			if t.counts[a] > t.qa.WrongAnswerCount {
				answer := a
				t.qa.MostCommonWrongAnswer = &answer
				t.qa.WrongAnswerCount = t.counts[a]
			}
		}
		out = append(out, t.qa)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionNumber == out[j].QuestionNumber {
			return out[i].QuestionID < out[j].QuestionID
		}
		return out[i].QuestionNumber < out[j].QuestionNumber
	})
	return out
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
