package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-quiz/internal/attempt"
	auth "github.com/mind-engage/mindengage-quiz/internal/auth/middleware"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/rbac"
)

func writeAttempt(w http.ResponseWriter, r *http.Request, svc *attempt.Service, status int, s exam.Session) {
	v, err := toAttemptView(s, svc.TimeRemaining(s))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

// POST /tests/{testID}/attempts  {"access_code":"..."}
func StartAttemptHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startReq
		if err := decode(r, &req, true); err != nil {
			badRequest(w, "bad json")
			return
		}
		s, err := svc.Start(r.Context(), chi.URLParam(r, "testID"), auth.SubjectFromContext(r.Context()), req.AccessCode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeAttempt(w, r, svc, http.StatusCreated, s)
	}
}

// GET /attempts/{attemptID}
func GetAttemptHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s, err := svc.View(ctx, chi.URLParam(r, "attemptID"), auth.SubjectFromContext(ctx), rbac.RoleFromContext(ctx))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeAttempt(w, r, svc, http.StatusOK, s)
	}
}

// PUT /attempts/{attemptID}/answers/{questionID}  {"answer":"..."}
func SaveAnswerHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerReq
		if err := decode(r, &req, false); err != nil {
			badRequest(w, "bad json")
			return
		}
		err := svc.RecordAnswer(r.Context(), chi.URLParam(r, "attemptID"), auth.SubjectFromContext(r.Context()),
			chi.URLParam(r, "questionID"), req.Answer)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /attempts/{attemptID}/submit
// A repeated submit answers 409 and carries the stored result when there
// is one.
func SubmitAttemptHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, sub := chi.URLParam(r, "attemptID"), auth.SubjectFromContext(ctx)
		res, err := svc.Submit(ctx, id, sub, exam.TriggerManual)
		if errors.Is(err, exam.ErrAlreadySubmitted) {
			body := map[string]any{"error": err.Error()}
			if stored, gerr := svc.GetResult(ctx, id, sub, rbac.RoleFromContext(ctx)); gerr == nil {
				body["result"] = stored
			}
			writeJSON(w, http.StatusConflict, body)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GET /attempts/{attemptID}/result
func GetResultHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		res, err := svc.GetResult(ctx, chi.URLParam(r, "attemptID"), auth.SubjectFromContext(ctx), rbac.RoleFromContext(ctx))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /attempts/{attemptID}/abandon
func AbandonAttemptHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := svc.Abandon(r.Context(), chi.URLParam(r, "attemptID"), auth.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeAttempt(w, r, svc, http.StatusOK, s)
	}
}

// POST /attempts/{attemptID}/regrade
func RegradeAttemptHandler(svc *attempt.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Regrade(r.Context(), chi.URLParam(r, "attemptID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
