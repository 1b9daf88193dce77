// Package httpapi is certmill's HTTP boundary: upload intake, process
// triggering, artifact download, the WebSocket progress endpoint, auth and
// the automation-request flow. Handlers decode, validate, call into the
// core packages and encode; no business rules live here.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/auth"
	"github.com/certmill/certmill/idgen"
	"github.com/certmill/certmill/jobs"
	"github.com/certmill/certmill/mailer"
	"github.com/certmill/certmill/notify"
	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/shield"
	"github.com/certmill/certmill/store"
)

const defaultTokenTTL = 24 * time.Hour

// Config holds the collaborators and settings needed to build a Server.
type Config struct {
	Store      *store.Store
	Supervisor *jobs.Supervisor
	Gateway    *notify.Gateway
	Mailer     mailer.Mailer // nil = mail disabled
	Events     *observability.EventLogger

	JWTSecret []byte
	TokenTTL  time.Duration // zero = 24h

	UploadsDir   string
	OutputsDir   string
	TemplatesDir string
	MaxUpload    int64 // bytes

	// RequestsTo is the recipient for new automation-request mail.
	RequestsTo string
}

// Server serves the certmill HTTP API.
type Server struct {
	cfg      Config
	newToken idgen.Generator
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the handler logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTokenGenerator overrides the job-token generator; used by tests.
func WithTokenGenerator(gen idgen.Generator) Option {
	return func(s *Server) { s.newToken = gen }
}

// New builds a Server. Store, Supervisor, Gateway and the directories are
// required.
func New(cfg Config, opts ...Option) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("httpapi: Store is required")
	case cfg.Supervisor == nil:
		return nil, fmt.Errorf("httpapi: Supervisor is required")
	case cfg.Gateway == nil:
		return nil, fmt.Errorf("httpapi: Gateway is required")
	case cfg.UploadsDir == "" || cfg.OutputsDir == "" || cfg.TemplatesDir == "":
		return nil, fmt.Errorf("httpapi: uploads, outputs and templates dirs are required")
	case len(cfg.JWTSecret) == 0:
		return nil, fmt.Errorf("httpapi: JWTSecret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 50 << 20
	}
	if cfg.Mailer == nil {
		cfg.Mailer = mailer.Disabled{}
	}
	s := &Server{
		cfg:      cfg,
		newToken: idgen.JobToken,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Routes assembles the chi router with all endpoints mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.TraceID)
	r.Use(shield.NewRateLimiter(nil, "/progress/").Middleware)
	if s.cfg.Events != nil {
		r.Use(observability.RequestLogger(s.cfg.Events))
	}
	r.Use(auth.Middleware(s.cfg.JWTSecret)) // soft parse; RequireAuth enforces

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/auth/login", s.handleLogin)

	// The browser WebSocket API cannot set an Authorization header, so the
	// progress endpoint is gated by job-token possession alone.
	r.Get("/progress/{socketID}", s.cfg.Gateway.ServeHTTP)

	r.Get("/download/templates/{fileName}", s.downloadFrom(s.cfg.TemplatesDir))
	r.Get("/download/{fileName}", s.downloadFrom(s.cfg.OutputsDir))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/auth/me", s.handleMe)

		r.Post("/upload", s.handleUpload)
		r.Post("/process", s.handleProcess)
		r.Delete("/process/{socketID}", s.handleCancel)

		r.Post("/requests", s.handleCreateRequest)
		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/mine", s.handleMyRequests)
		r.Get("/requests/{requestID}", s.handleGetRequest)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/auth/create-user", s.handleCreateUser)
	})

	return r
}

// logEvent records a business event when observability is wired.
func (s *Server) logEvent(r *http.Request, ev observability.BusinessEvent) {
	if s.cfg.Events == nil {
		return
	}
	if ev.UserID == "" {
		if c := auth.FromContext(r.Context()); c != nil {
			ev.UserID = c.UserID
		}
	}
	s.cfg.Events.LogEvent(r.Context(), ev)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
