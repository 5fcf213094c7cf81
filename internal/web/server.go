package web

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fraudview/internal/authflow"
	"fraudview/internal/session"
)

// landingPath is where the browser lands after a successful login when no
// explicit return path was captured.
const landingPath = "/dashboard"

// Server owns the HTTP surface: the auth endpoints, the session
// introspection endpoint, and the guarded dashboard stub.
type Server struct {
	flow    *authflow.Flow
	cookies *authflow.Cookies
	store   *session.Store
	guard   *Guard
	logger  *slog.Logger
}

// New wires the server from its collaborators.
func New(flow *authflow.Flow, cookies *authflow.Cookies, store *session.Store) *Server {
	return &Server{
		flow:    flow,
		cookies: cookies,
		store:   store,
		guard:   NewGuard(flow, cookies),
		logger:  slog.Default().With(slog.String("component", "web")),
	}
}

// Routes builds the router with the guard applied to every request.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.guard.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/auth/login", s.login)
	r.Get("/auth/callback", s.callback)
	r.Post("/auth/logout", s.logout)
	r.Get("/api/session", s.sessionInfo)
	r.Get("/dashboard", s.dashboard)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, landingPath, http.StatusSeeOther)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
	<head><meta charset="UTF-8"><title>fraudview — sign in</title></head>
	<body>
		<h1>fraudview</h1>
		{{ if .Error }}<p class="error">Sign-in failed: {{ .Error }}. Please try again or contact an administrator.</p>{{ end }}
		<form action="/auth/login" method="GET">
			<input type="submit" value="Sign in">
		</form>
	</body>
</html>`))

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
	<head><meta charset="UTF-8"><title>fraudview — dashboard</title></head>
	<body>
		<h1>fraudview</h1>
		<p>Signed in as {{ .Subject }}{{ if .Role }} ({{ .Role }}){{ end }}.</p>
		<p>Transactions, alerts and rules live here.</p>
	</body>
</html>`))
