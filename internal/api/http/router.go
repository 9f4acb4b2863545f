package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mind-engage/mindengage-quiz/internal/analytics"
	"github.com/mind-engage/mindengage-quiz/internal/attempt"
	auth "github.com/mind-engage/mindengage-quiz/internal/auth/middleware"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
	"github.com/mind-engage/mindengage-quiz/internal/rbac"
)

type Deps struct {
	Logger      zerolog.Logger
	Store       exam.Store
	Pub         *publication.Manager
	Attempts    *attempt.Service
	Analytics   *analytics.Service
	Auth        *auth.AuthService
	Login       auth.LoginPolicy
	CORSOrigins []string
	Timeout     time.Duration
	// Ready backs /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(d Deps) http.Handler {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(d.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(d.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(d.Auth, d.Login))

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))

		pr.With(rbac.Require(rbac.PermQuestionWrite)).
			Put("/questions", PutQuestionsHandler(d.Store))

		pr.Route("/tests", func(tr chi.Router) {
			tr.With(rbac.Require(rbac.PermTestCreate)).Post("/", CreateTestHandler(d.Pub))
			tr.Route("/{testID}", func(t chi.Router) {
				t.With(rbac.Require(rbac.PermTestView)).Get("/", GetTestHandler(d.Pub))
				t.With(rbac.Require(rbac.PermTestPublish)).Post("/publish", PublishTestHandler(d.Pub))
				t.With(rbac.Require(rbac.PermTestPublish)).Post("/schedule", ScheduleTestHandler(d.Pub))
				t.With(rbac.Require(rbac.PermTestPublish)).Post("/unpublish", UnpublishTestHandler(d.Pub))
				t.With(rbac.Require(rbac.PermTestPublish)).Post("/archive", ArchiveTestHandler(d.Pub))
				t.With(rbac.Require(rbac.PermAttemptStart)).Post("/attempts", StartAttemptHandler(d.Attempts))
				t.With(rbac.Require(rbac.PermAnalyticsView)).Get("/summary", TestSummaryHandler(d.Analytics))
				t.With(rbac.Require(rbac.PermAnalyticsView)).Get("/questions/analytics", QuestionAnalyticsHandler(d.Analytics))
			})
		})

		pr.Route("/attempts/{attemptID}", func(ar chi.Router) {
			ar.With(rbac.RequireAny(rbac.PermAttemptView, rbac.PermAttemptAdmin)).Get("/", GetAttemptHandler(d.Attempts))
			ar.With(rbac.Require(rbac.PermAttemptSave)).Put("/answers/{questionID}", SaveAnswerHandler(d.Attempts))
			ar.With(rbac.Require(rbac.PermAttemptSubmit)).Post("/submit", SubmitAttemptHandler(d.Attempts))
			ar.With(rbac.RequireAny(rbac.PermAttemptView, rbac.PermAttemptAdmin)).Get("/result", GetResultHandler(d.Attempts))
			ar.With(rbac.Require(rbac.PermAttemptAdmin)).Post("/abandon", AbandonAttemptHandler(d.Attempts))
			ar.With(rbac.Require(rbac.PermAttemptAdmin)).Post("/regrade", RegradeAttemptHandler(d.Attempts))
		})

		pr.With(rbac.Require(rbac.PermAnalyticsView)).Get("/dashboard", DashboardHandler(d.Analytics))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("not ready")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}
