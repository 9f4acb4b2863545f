package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mind-engage/mindengage-quiz/internal/analytics"
	"github.com/mind-engage/mindengage-quiz/internal/attempt"
	auth "github.com/mind-engage/mindengage-quiz/internal/auth/middleware"
	"github.com/mind-engage/mindengage-quiz/internal/cache"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
	"github.com/mind-engage/mindengage-quiz/internal/rbac"
)

type apiHarness struct {
	t      *testing.T
	now    time.Time
	auth   *auth.AuthService
	router http.Handler
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{t: t, now: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC), auth: auth.NewAuthService("test")}
	clock := func() time.Time { return h.now }
	store := exam.NewInMemoryStore()
	pub := publication.NewManager(store, publication.WithClock(clock))
	attempts := attempt.NewService(store, pub)
	an := analytics.NewService(store, cache.NewMemoryCache(), time.Minute)
	attempts.OnGraded(an.Invalidate)
	attempts.OnSessionChange(an.SessionChanged)
	h.router = NewRouter(Deps{
		Logger:    zerolog.Nop(),
		Store:     store,
		Pub:       pub,
		Attempts:  attempts,
		Analytics: an,
		Auth:      h.auth,
		Login:     auth.LoginPolicy{LocalAuth: true},
	})
	return h
}

func (h *apiHarness) do(method, path, sub, role string, body any) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if sub != "" {
		tok, err := h.auth.IssueJWT(sub, role)
		if err != nil {
			h.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	out := map[string]any{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out
}

func (h *apiHarness) instructor(method, path string, body any) (int, map[string]any) {
	return h.do(method, path, "inst", rbac.RoleInstructor, body)
}

func (h *apiHarness) student(id, method, path string, body any) (int, map[string]any) {
	return h.do(method, path, id, rbac.RoleStudent, body)
}

func (h *apiHarness) draft(body map[string]any) string {
	h.t.Helper()
	code, _ := h.instructor(http.MethodPut, "/questions", map[string]any{"questions": []map[string]any{
		{"id": "mc", "type": "multiple_choice", "correct_answer": "B"},
		{"id": "tf", "type": "true_false", "correct_answer": "True"},
	}})
	if code != http.StatusOK {
		h.t.Fatalf("put questions: %d", code)
	}
	code, out := h.instructor(http.MethodPost, "/tests", body)
	if code != http.StatusCreated {
		h.t.Fatalf("create test: %d %v", code, out)
	}
	return out["id"].(string)
}

func validDraft() map[string]any {
	return map[string]any{"title": "Quiz", "question_ids": []string{"mc", "tf"}, "time_limit_sec": 1800, "passing_score": 70, "attempts_allowed": 2}
}

func TestAPI_FullAttemptFlow(t *testing.T) {
	h := newAPI(t)
	id := h.draft(validDraft())

	code, pubOut := h.instructor(http.MethodPost, "/tests/"+id+"/publish", map[string]any{"require_access_code": true})
	if code != http.StatusOK || pubOut["status"] != "published" {
		t.Fatalf("publish: %d %v", code, pubOut)
	}
	accessCode, _ := pubOut["access_code"].(string)
	if len(accessCode) != 8 {
		t.Fatalf("access code %q", accessCode)
	}

	// the student's view hides the code
	code, view := h.student("amy", http.MethodGet, "/tests/"+id, nil)
	if code != http.StatusOK || view["requires_access_code"] != true || view["access_code"] != nil {
		t.Fatalf("student view: %d %v", code, view)
	}

	code, out := h.student("amy", http.MethodPost, "/tests/"+id+"/attempts", map[string]any{"access_code": "0000AAAA"})
	if code != http.StatusForbidden || out["reason"] != exam.ReasonBadAccessCode {
		t.Fatalf("bad code start: %d %v", code, out)
	}
	code, started := h.student("amy", http.MethodPost, "/tests/"+id+"/attempts", map[string]any{"access_code": accessCode})
	if code != http.StatusCreated || started["time_remaining_sec"].(float64) != 1800 {
		t.Fatalf("start: %d %v", code, started)
	}
	attemptID := started["attempt_id"].(string)

	code, out = h.student("amy", http.MethodPost, "/tests/"+id+"/attempts", map[string]any{"access_code": accessCode})
	if code != http.StatusConflict {
		t.Fatalf("second start: %d %v", code, out)
	}

	if code, _ := h.student("amy", http.MethodPut, "/attempts/"+attemptID+"/answers/mc", map[string]string{"answer": "b"}); code != http.StatusNoContent {
		t.Fatalf("answer: %d", code)
	}
	if code, _ := h.student("amy", http.MethodPut, "/attempts/"+attemptID+"/answers/zz", map[string]string{"answer": "x"}); code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown question: %d", code)
	}
	if code, _ := h.student("bob", http.MethodPut, "/attempts/"+attemptID+"/answers/tf", map[string]string{"answer": "T"}); code != http.StatusForbidden {
		t.Fatalf("someone else's attempt: %d", code)
	}

	h.now = h.now.Add(10 * time.Minute)
	code, got := h.student("amy", http.MethodGet, "/attempts/"+attemptID, nil)
	if code != http.StatusOK || got["time_remaining_sec"].(float64) != 1200 {
		t.Fatalf("get attempt: %d %v", code, got)
	}
	code, _ = h.student("amy", http.MethodGet, "/attempts/"+attemptID+"/result", nil)
	if code != http.StatusNotFound {
		t.Fatalf("result before submit: %d", code)
	}

	code, res := h.student("amy", http.MethodPost, "/attempts/"+attemptID+"/submit", nil)
	if code != http.StatusOK || res["percentage_score"].(float64) != 50 || res["passed"] != false {
		t.Fatalf("submit: %d %v", code, res)
	}
	code, again := h.student("amy", http.MethodPost, "/attempts/"+attemptID+"/submit", nil)
	if code != http.StatusConflict || again["result"] == nil {
		t.Fatalf("second submit: %d %v", code, again)
	}
	if code, _ := h.student("amy", http.MethodPut, "/attempts/"+attemptID+"/answers/tf", map[string]string{"answer": "T"}); code != http.StatusConflict {
		t.Fatalf("answer after submit: %d", code)
	}

	code, sum := h.instructor(http.MethodGet, "/tests/"+id+"/summary", nil)
	if code != http.StatusOK || sum["graded"].(float64) != 1 || sum["average_score"].(float64) != 50 {
		t.Fatalf("summary: %d %v", code, sum)
	}
	code, qa := h.instructor(http.MethodGet, "/tests/"+id+"/questions/analytics", nil)
	if code != http.StatusOK || len(qa["questions"].([]any)) != 2 {
		t.Fatalf("question analytics: %d %v", code, qa)
	}
	code, dash := h.instructor(http.MethodGet, "/dashboard", nil)
	if code != http.StatusOK || dash["total_graded"].(float64) != 1 {
		t.Fatalf("dashboard: %d %v", code, dash)
	}
	if code, _ := h.student("amy", http.MethodGet, "/tests/"+id+"/summary", nil); code != http.StatusForbidden {
		t.Fatalf("student summary: %d", code)
	}

	code, rg := h.do(http.MethodPost, "/attempts/"+attemptID+"/regrade", "root", rbac.RoleAdmin, nil)
	if code != http.StatusOK || rg["revision"].(float64) != 2 {
		t.Fatalf("regrade: %d %v", code, rg)
	}
}

func TestAPI_PublishErrors(t *testing.T) {
	h := newAPI(t)
	bad := validDraft()
	bad["passing_score"] = 150
	bad["title"] = " "
	id := h.draft(bad)

	code, out := h.instructor(http.MethodPost, "/tests/"+id+"/publish", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid publish: %d %v", code, out)
	}
	if problems, _ := out["problems"].([]any); len(problems) != 2 {
		t.Fatalf("problems = %v", out["problems"])
	}

	good := h.draft(validDraft())
	if code, _ := h.do(http.MethodPost, "/tests/"+good+"/publish", "other", rbac.RoleInstructor, nil); code != http.StatusForbidden {
		t.Fatalf("non-owner publish: %d", code)
	}
	if code, _ := h.student("amy", http.MethodGet, "/tests/"+good, nil); code != http.StatusNotFound {
		t.Fatalf("draft visible to student: %d", code)
	}
	if code, _ := h.instructor(http.MethodPost, "/tests/"+good+"/schedule", map[string]any{"publish_at": h.now.Add(-time.Hour)}); code != http.StatusBadRequest {
		t.Fatalf("past schedule: %d", code)
	}
	if code, out := h.instructor(http.MethodPost, "/tests/"+good+"/archive", nil); code != http.StatusOK || out["status"] != "archived" {
		t.Fatalf("archive: %d %v", code, out)
	}
	if code, _ := h.instructor(http.MethodPost, "/tests/"+good+"/publish", nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("publish archived: %d", code)
	}
	if code, _ := h.instructor(http.MethodGet, "/tests/missing", nil); code != http.StatusNotFound {
		t.Fatalf("missing test: %d", code)
	}
}

func TestAPI_AuthAndRBAC(t *testing.T) {
	h := newAPI(t)
	if code, _ := h.do(http.MethodGet, "/dashboard", "", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, _ := h.student("amy", http.MethodPut, "/questions", map[string]any{"questions": []any{}}); code != http.StatusForbidden {
		t.Fatalf("student writing questions: %d", code)
	}
	if code, _ := h.instructor(http.MethodPut, "/questions", map[string]any{"questions": []map[string]any{{"id": "e", "type": "essay", "correct_answer": "x"}}}); code != http.StatusBadRequest {
		t.Fatalf("unsupported question type: %d", code)
	}
	code, out := h.do(http.MethodPost, "/auth/login", "", "", map[string]string{"username": "amy", "password": "amy", "role": "student"})
	if code != http.StatusOK || out["access_token"] == "" {
		t.Fatalf("login: %d %v", code, out)
	}
	if code, _ := h.do(http.MethodGet, "/healthz", "", "", nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
}

func TestReadyz(t *testing.T) {
	r := NewRouter(Deps{Logger: zerolog.Nop(), Auth: auth.NewAuthService("x"), Ready: func(context.Context) error { return errors.New("db down") }})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", rr.Code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&exam.ValidationError{Problems: []string{"x"}}, http.StatusBadRequest},
		{exam.ErrInvalidWindow, http.StatusBadRequest},
		{exam.ErrNotOwner, http.StatusForbidden},
		{&exam.AccessDeniedError{Reason: exam.ReasonQuotaReached}, http.StatusForbidden},
		{exam.ErrInvalidTransition, http.StatusUnprocessableEntity},
		{exam.ErrNotFound, http.StatusNotFound},
		{exam.ErrSessionAlreadyActive, http.StatusConflict},
		{exam.ErrSessionNotActive, http.StatusConflict},
		{exam.ErrTransient, http.StatusServiceUnavailable},
		{exam.MissingQuestionsError("t", []string{"q"}), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
