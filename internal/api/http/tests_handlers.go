package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	auth "github.com/mind-engage/mindengage-quiz/internal/auth/middleware"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
	"github.com/mind-engage/mindengage-quiz/internal/rbac"
)

// PUT /questions  {"questions":[...]}
func PutQuestionsHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putQuestionsReq
		if err := decode(r, &req, false); err != nil {
			badRequest(w, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			badRequest(w, err.Error())
			return
		}
		qs, err := toQuestions(req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := store.PutQuestions(r.Context(), qs); err != nil {
			writeError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Int("count", len(qs)).Str("actor_id", auth.SubjectFromContext(r.Context())).Msg("questions upserted")
		writeJSON(w, http.StatusOK, map[string]int{"upserted": len(qs)})
	}
}

// POST /tests
func CreateTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTestReq
		if err := decode(r, &req, false); err != nil {
			badRequest(w, "bad json")
			return
		}
		t, err := toTest(req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		t, err = pub.CreateDraft(r.Context(), auth.SubjectFromContext(r.Context()), t)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

// GET /tests/{testID}
// Owners and admins get the full test; everyone else only sees tests that
// are published, without the access code.
func GetTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := pub.Get(r.Context(), chi.URLParam(r, "testID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub, role := auth.SubjectFromContext(r.Context()), rbac.RoleFromContext(r.Context())
		if t.OwnerID == sub || role == rbac.RoleAdmin {
			writeJSON(w, http.StatusOK, t)
			return
		}
		if t.Status != exam.TestPublished {
			writeError(w, r, exam.ErrNotFound)
			return
		}
		v, err := toTestView(t, pub.IsAvailableNow(t))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// POST /tests/{testID}/publish
func PublishTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s publication.Settings
		if err := decode(r, &s, true); err != nil {
			badRequest(w, "bad json")
			return
		}
		res, err := pub.Publish(r.Context(), chi.URLParam(r, "testID"), auth.SubjectFromContext(r.Context()), s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /tests/{testID}/schedule
func ScheduleTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleReq
		if err := decode(r, &req, false); err != nil {
			badRequest(w, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			badRequest(w, "publish_at required")
			return
		}
		res, err := pub.Schedule(r.Context(), chi.URLParam(r, "testID"), auth.SubjectFromContext(r.Context()), req.PublishAt, req.Settings)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /tests/{testID}/unpublish
func UnpublishTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unpublishReq
		if err := decode(r, &req, true); err != nil {
			badRequest(w, "bad json")
			return
		}
		res, err := pub.Unpublish(r.Context(), chi.URLParam(r, "testID"), auth.SubjectFromContext(r.Context()), strings.TrimSpace(req.Reason))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /tests/{testID}/archive
func ArchiveTestHandler(pub *publication.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := pub.Archive(r.Context(), chi.URLParam(r, "testID"), auth.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
