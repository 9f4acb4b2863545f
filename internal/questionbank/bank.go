// Package questionbank is the read-only view of questions that tests
// reference. Authoring lives elsewhere; graders only ever resolve ids.
package questionbank

import (
	"context"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

type Bank interface {
	GetQuestionsByIDs(ctx context.Context, ids []string) ([]exam.Question, error)
}

// StoreBank serves questions straight from the persistent store.
type StoreBank struct {
	Store exam.Store
}

func NewStoreBank(st exam.Store) *StoreBank { return &StoreBank{Store: st} }

func (b *StoreBank) GetQuestionsByIDs(ctx context.Context, ids []string) ([]exam.Question, error) {
	return b.Store.GetQuestionsByIDs(ctx, ids)
}

// Resolve returns the questions for ids in the same order. A test that
// references a question the bank no longer has is a data-integrity error.
func Resolve(ctx context.Context, b Bank, testID string, ids []string) ([]exam.Question, error) {
	qs, err := b.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]exam.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}
	out := make([]exam.Question, 0, len(ids))
	var missing []string
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, q)
	}
	if len(missing) > 0 {
		return nil, exam.MissingQuestionsError(testID, missing)
	}
	return out, nil
}
