package publication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate lists every reason t cannot be published; empty means ok.
func Validate(t exam.Test) []string {
	var problems []string
	t.Title = strings.TrimSpace(t.Title)
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		seen := map[string]bool{}
		for _, fe := range verrs {
			msg := message(fe)
			if !seen[msg] {
				seen[msg] = true
				problems = append(problems, msg)
			}
		}
	}
	return problems
}

func message(fe validator.FieldError) string {
	field := fe.StructField()
	switch {
	case field == "Title":
		return "title must not be empty"
	case field == "QuestionIDs":
		return "test must contain at least one question"
	case strings.HasPrefix(field, "QuestionIDs["):
		return "question ids must not be blank"
	case field == "TimeLimitSec":
		return "time_limit must be greater than zero"
	case field == "PassingScore":
		return "passing_score must be between 0 and 100"
	case field == "AttemptsAllowed":
		return "attempts_allowed must be at least 1"
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
