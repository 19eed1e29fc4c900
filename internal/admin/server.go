package admin

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/directory"
	"github.com/looprock/alias-relay/internal/metrics"
	"github.com/looprock/alias-relay/internal/unsubscribe"
)

// Aliases is the part of the alias directory the HTTP side writes to
type Aliases interface {
	AliasByID(ctx context.Context, id uint) (*directory.Alias, error)
	DisableAlias(ctx context.Context, id uint) (*directory.Alias, error)
}

// ActivityLog reads the delivery log
type ActivityLog interface {
	ActivityForOwner(ctx context.Context, ownerID uint, limit int) ([]database.Activity, error)
	ActivityForAlias(ctx context.Context, aliasAddr string, limit int) ([]database.Activity, error)
}

// Invalidator drops cached alias lookups
type Invalidator interface {
	Invalidate(ctx context.Context, address string) error
}

// Pinger reports whether the store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the admin server. Cache and Gatherer are optional; without
// Links the unsubscribe routes are not served, and with an empty
// PasswordHash neither are the /api routes.
type Options struct {
	Aliases      Aliases
	Links        *unsubscribe.Links
	Activity     ActivityLog
	Cache        Invalidator
	Health       Pinger
	PasswordHash string
	Gatherer     prometheus.Gatherer
	Log          *zap.Logger
}

// Server represents the admin interface server
type Server struct {
	aliases      Aliases
	links        *unsubscribe.Links
	activity     ActivityLog
	cache        Invalidator
	health       Pinger
	passwordHash []byte
	gatherer     prometheus.Gatherer
	tmpl         *template.Template
	log          *zap.Logger
}

// New creates a new admin server
func New(opts Options) *Server {
	if opts.PasswordHash == "" {
		opts.Log.Warn("No admin password hash configured, activity API is disabled")
	}
	return &Server{
		aliases:      opts.Aliases,
		links:        opts.Links,
		activity:     opts.Activity,
		cache:        opts.Cache,
		health:       opts.Health,
		passwordHash: []byte(opts.PasswordHash),
		gatherer:     opts.Gatherer,
		tmpl:         template.Must(template.New("unsubscribe").Parse(unsubscribePage)),
		log:          opts.Log,
	}
}

// Handler returns the router serving every admin route
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	if s.links != nil {
		r.Get("/unsubscribe/{aliasID}/{token}", s.handleUnsubscribe)
		r.Post("/unsubscribe/{aliasID}/{token}", s.handleOneClickUnsubscribe)
	}

	if len(s.passwordHash) > 0 {
		r.Route("/api", func(r chi.Router) {
			r.Use(s.RequireAuth)
			r.Get("/activity", s.handleActivity)
		})
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		s.log.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
