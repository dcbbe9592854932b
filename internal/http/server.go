package http

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashmanager/internal/core"
	"cashmanager/internal/i18n"
	"cashmanager/internal/log"
	"cashmanager/internal/middleware/ratelimit"
	"cashmanager/internal/middleware/security"
	"cashmanager/internal/middleware/trace"
	"cashmanager/internal/report"
	"cashmanager/internal/session"
	"cashmanager/internal/settings"
	appweb "cashmanager/web"
)

// SessionManager is the part of the session manager the handlers drive.
type SessionManager interface {
	Initialize(ctx context.Context, sid string) core.Session
	Login(ctx context.Context, sid, email, password string) (core.Session, error)
	Register(ctx context.Context, sid string, in session.RegisterInput) (core.Session, error)
	Logout(ctx context.Context, sid string) core.Session
	BeginFederatedLogin(ctx context.Context, sid, provider string, mode session.Mode) (string, error)
	CompleteFederatedLogin(ctx context.Context, sid string, cb session.Callback) (session.FederatedResult, error)
	LandingPath() string
	Providers() []string
}

// SettingsService opens the settings of a browser.
type SettingsService interface {
	Open(ctx context.Context, clientID string) (*settings.Store, error)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Options wire a Server. Sessions and Settings are required.
type Options struct {
	Addr         string
	Sessions     SessionManager
	Settings     SettingsService
	Translations *i18n.Manager
	Ready        ReadinessCheck
	Limiter      *ratelimit.Limiter
	Detector     *security.Detector
	Headers      *security.HeadersConfig
	Cookies      CookieConfig
	Logger       *log.Logger
	// Reporter receives unexpected server errors; nil drops them.
	Reporter *report.Reporter
	// AllowedOrigins enables credentialed CORS on the JSON API for a
	// separately hosted front end.
	AllowedOrigins []string
}

type Server struct {
	http.Server
	sessions     SessionManager
	settings     SettingsService
	translations *i18n.Manager
	ready        ReadinessCheck
	cookies      CookieConfig
	templates    *template.Template
	logger       *log.Logger
	reporter     *report.Reporter
}

// NewServer configures routes and templates, returning a ready-to-run http.Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Sessions == nil || opts.Settings == nil {
		return nil, errors.New("sessions and settings are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default(log.ComponentHTTP)
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	translations := opts.Translations
	if translations == nil {
		var err error
		if translations, err = i18n.Load(); err != nil {
			return nil, err
		}
	}

	t, err := appweb.Templates()
	if err != nil {
		return nil, err
	}

	s := &Server{
		sessions:     opts.Sessions,
		settings:     opts.Settings,
		translations: translations,
		ready:        opts.Ready,
		cookies:      opts.Cookies,
		templates:    t,
		logger:       logger,
		reporter:     opts.Reporter,
	}

	mux := http.NewServeMux()
	if err := s.routes(mux); err != nil {
		return nil, err
	}

	detector := opts.Detector
	if detector == nil {
		detector = security.NewDetector(logger)
	}
	headers := security.DefaultHeadersConfig()
	if opts.Headers != nil {
		headers = *opts.Headers
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())
	}

	var handler http.Handler = mux
	handler = limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		TooManyRequestsError("Rate limit exceeded. Please try again later.").Write(w)
	}, http.MethodPost)(handler)
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", trace.RequestIDHeader},
			ExposedHeaders:   []string{trace.RequestIDHeader, "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		})(handler)
	}
	handler = security.NewHeadersMiddleware(headers).Middleware(handler)
	handler = detector.Middleware(handler)
	handler = trace.NewMiddleware(detector.ExtractClientIP, logger).Middleware(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) error {
	sub, err := appweb.Static()
	if err != nil {
		return err
	}
	static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
	mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))

	s.handle(mux, "GET /{$}", s.handleRoot)
	for _, p := range pages {
		s.handle(mux, "GET /"+p.Name, s.handlePage(p.Name))
	}
	s.handle(mux, "GET /"+pageLogin, s.handlePage(pageLogin))

	s.handle(mux, "GET /api/session", s.handleSession)
	s.handle(mux, "POST /api/auth/login", s.handleLogin)
	s.handle(mux, "POST /api/auth/register", s.handleRegister)
	s.handle(mux, "POST /api/auth/logout", s.handleLogout)
	s.handle(mux, "GET /auth/callback", security.AllowOpener(http.HandlerFunc(s.handleFederatedCallback)).ServeHTTP)
	s.handle(mux, "GET /auth/{provider}", s.handleFederatedBegin)

	s.handle(mux, "GET /api/settings", s.handleGetSettings)
	s.handle(mux, "PATCH /api/settings", s.handlePatchSettings)
	s.handle(mux, "POST /api/settings/sidebar/toggle", s.handleToggleSidebar)
	s.handle(mux, "GET /api/i18n", s.handleMessages)

	s.handle(mux, "GET /api/dashboard", s.requireAuth(s.handleDashboard))
	s.handle(mux, "GET /api/transactions", s.requireAuth(s.handleTransactions))
	s.handle(mux, "GET /api/categories", s.requireAuth(s.handleCategories))
	s.handle(mux, "GET /api/reports", s.requireAuth(s.handleReports))

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	return nil
}

// handle registers h under pattern; responses are never cached and metrics
// are labeled with the pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, security.NoStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace.SetRoute(r.Context(), pattern)
		h(w, r)
	})))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// reportError forwards an unexpected failure to the error reporter.
func (s *Server) reportError(r *http.Request, op string, err error) {
	s.reporter.Capture(r.Context(), err, map[string]string{
		log.FieldOperation: op,
		log.FieldPath:      r.URL.Path,
	})
}

// Shutdown stops accepting requests and waits for active ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.InfoContext(ctx, "HTTP server shutting down", "operation", log.OpShutdown)
	return s.Server.Shutdown(ctx)
}
