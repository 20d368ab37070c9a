package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/cloudbrowser/controlplane/config"
	"github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/http/handlers"
	apxmiddlewares "github.com/cloudbrowser/controlplane/http/middleware"
	apxresp "github.com/cloudbrowser/controlplane/http/response"
	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/services/metrics"
	"github.com/cloudbrowser/controlplane/services/realtime"
)

// Handlers bundles every route handler the server wires up, so
// cmd/server only needs to pass one value into NewServer.
type Handlers struct {
	Session  *handlers.SessionHandler
	Queue    *handlers.QueueHandler
	Health   *handlers.HealthHandler
	Admin    *handlers.AdminHandler
	Realtime *realtime.Hub
	Metrics  *metrics.Registry
}

type Server struct {
	Conf     *config.Config
	handlers Handlers
	http     *http.Server
}

func NewServer(conf *config.Config, h Handlers) *Server {
	return &Server{Conf: conf, handlers: h}
}

// Listen builds the route tree and blocks on ListenAndServe. Graceful
// shutdown is driven externally via Shutdown, registered as one handler
// in the process-wide shutdown coordinator.
func (s *Server) Listen(addr string) error {
	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.RealIP)
	root.Use(apxmiddlewares.NewLoggerWithMetrics(logger.L(), s.handlers.Metrics, &apxmiddlewares.Opts{}))
	root.Use(middleware.Recoverer)
	root.Use(apxmiddlewares.EnabCors([]string{s.Conf.FrontendURL}))
	root.Get("/realtime", s.handlers.Realtime.ServeHTTP)

	// Every HTTP route below is served under the /api prefix.
	r := chi.NewRouter()
	root.Mount("/api", r)

	r.Get("/health", s.ToHTTPHandlerFunc(s.handlers.Health.Health))
	r.Get("/metrics", s.handlers.Health.Metrics)

	r.Route("/session", func(r chi.Router) {
		r.Post("/", s.ToHTTPHandlerFunc(s.handlers.Session.CreateSession))
		r.Get("/rate-limit/status", s.ToHTTPHandlerFunc(s.handlers.Session.RateLimitStatus))
		r.Get("/{id}", s.ToHTTPHandlerFunc(s.handlers.Session.GetSession))
		r.Delete("/{id}", s.ToHTTPHandlerFunc(s.handlers.Session.EndSession))
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/{id}", s.ToHTTPHandlerFunc(s.handlers.Queue.GetEntry))
		r.Delete("/{id}", s.ToHTTPHandlerFunc(s.handlers.Queue.Leave))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Get("/pool", s.ToHTTPHandlerFunc(s.handlers.Admin.Pool))
		r.Get("/sessions", s.ToHTTPHandlerFunc(s.handlers.Admin.Sessions))
		r.Get("/sessions/history", s.ToHTTPHandlerFunc(s.handlers.Admin.History))
		r.Get("/queue", s.ToHTTPHandlerFunc(s.handlers.Admin.Queue))
		r.Get("/stats", s.ToHTTPHandlerFunc(s.handlers.Admin.Stats))
		r.Get("/rate-limit/stats", s.ToHTTPHandlerFunc(s.handlers.Admin.RateLimitStats))
		r.Delete("/sessions/{id}", s.ToHTTPHandlerFunc(s.handlers.Admin.KillSession))
		r.Post("/rate-limit/{ip}/block", s.ToHTTPHandlerFunc(s.handlers.Admin.BlockIP))
		r.Delete("/rate-limit/{ip}/block", s.ToHTTPHandlerFunc(s.handlers.Admin.UnblockIP))
		r.Post("/rate-limit/{ip}/whitelist", s.ToHTTPHandlerFunc(s.handlers.Admin.WhitelistIP))
		r.Delete("/rate-limit/{ip}/whitelist", s.ToHTTPHandlerFunc(s.handlers.Admin.UnwhitelistIP))
		r.Delete("/rate-limit/{ip}", s.ToHTTPHandlerFunc(s.handlers.Admin.ClearLimit))
		r.Post("/pause", s.ToHTTPHandlerFunc(s.handlers.Admin.Pause))
		r.Post("/resume", s.ToHTTPHandlerFunc(s.handlers.Admin.Resume))
		r.Post("/queue/drain", s.ToHTTPHandlerFunc(s.handlers.Admin.DrainQueue))
		r.Post("/pool/restart", s.ToHTTPHandlerFunc(s.handlers.Admin.RestartPool))
		r.Post("/config", s.ToHTTPHandlerFunc(s.handlers.Admin.SetConfig))
	})

	s.http = &http.Server{Addr: addr, Handler: root}
	logger.Info("listening", zap.String("addr", addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// basicAuth gates /admin/* per section 4.5. Uses constant-time comparison
// to avoid leaking credential length/content through timing.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		validUser := subtle.ConstantTimeCompare([]byte(user), []byte(s.Conf.AdminUser)) == 1
		validPass := subtle.ConstantTimeCompare([]byte(pass), []byte(s.Conf.AdminPassword)) == 1
		if !ok || !validUser || !validPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			apxresp.RespondMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ToHTTPHandlerFunc(handler func(w http.ResponseWriter, r *http.Request) (any, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, status, err := handler(w, r)
		if err != nil {
			switch e := err.(type) {
			case *errors.Error:
				apxresp.RespondError(w, e)
			default:
				logger.Error("internal error", zap.Error(err))
				apxresp.RespondMessage(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		apxresp.RespondJSON(w, status, response)
	}
}
