package app

import (
	"net/http"

	"cbtscore/internal/app/observability"
	"cbtscore/internal/auth"
	"cbtscore/internal/exam"
	"cbtscore/internal/question"
	"cbtscore/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Services are the collaborators the router mounts. They are built in main so
// the limiter, publisher and collector can be shared with background work.
type Services struct {
	Auth       *auth.Service
	Questions  *question.Service
	Exams      *exam.Service
	APILimiter ratelimit.Limiter
	Collector  *observability.Collector
}

func NewRouter(cfg Config, svcs Services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if svcs.Collector != nil {
		r.Use(svcs.Collector.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authHandler := auth.NewHandler(svcs.Auth)
	questionHandler := question.NewHandler(svcs.Questions)
	examHandler := exam.NewHandler(svcs.Exams, cfg.RevealSaveGrades)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if svcs.Collector != nil {
		r.Method(http.MethodGet, "/metrics", svcs.Collector.MetricsHandler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if svcs.APILimiter != nil {
			api.Use(ratelimit.Middleware(svcs.APILimiter))
		}
		api.Use(authHandler.RequireAuth)
		api.Get("/auth/me", authHandler.Me)

		api.Group(func(student chi.Router) {
			student.Use(authHandler.RequireRoles(auth.RoleSiswa))
			student.Get("/exams/{examID}/paper", examHandler.Paper)
			student.Post("/exams/{examID}/start", examHandler.Start)
			student.Get("/exams/{examID}/draft", examHandler.Draft)
			student.Get("/exams/{examID}/result", examHandler.Result)
			student.Put("/exams/{examID}/answers/{questionID}", examHandler.SaveAnswer)
			student.Post("/exams/{examID}/submit", examHandler.Submit)
		})

		api.Group(func(staff chi.Router) {
			staff.Use(authHandler.RequireRoles(auth.RoleAdmin, auth.RoleGuru, auth.RoleProktor))
			staff.Get("/exams", examHandler.ListExams)
			staff.Get("/exams/{examID}", examHandler.GetExam)
			staff.Get("/exams/{examID}/questions", questionHandler.List)
			staff.Get("/exams/{examID}/submissions", examHandler.ListSubmissions)
			staff.Get("/submissions/{submissionID}", examHandler.Review)
		})

		api.Group(func(author chi.Router) {
			author.Use(authHandler.RequireRoles(auth.RoleAdmin, auth.RoleGuru))
			author.Post("/exams", examHandler.CreateExam)
			author.Put("/exams/{examID}", examHandler.UpdateExam)
			author.Post("/exams/{examID}/publish", examHandler.PublishExam)
			author.Post("/exams/{examID}/questions", questionHandler.Create)
			author.Put("/exams/{examID}/questions/{questionID}", questionHandler.Update)
			author.Delete("/exams/{examID}/questions/{questionID}", questionHandler.Delete)

			author.Put("/submissions/{submissionID}/answers/{questionID}/grade", examHandler.GradeEssay)
			author.Post("/exams/{examID}/recalculate", examHandler.Recalculate)
			author.Get("/exams/{examID}/grade-sheet", examHandler.ExportGradeSheet)
			author.Post("/exams/{examID}/grade-sheet", examHandler.ImportGradeSheet)
		})
	})

	return r
}
