package httpserver

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/service"
	"pastebin-lite/web"
)

// TestNowHeader carries a unix millisecond timestamp that replaces the clock
// for one request when test mode is on.
const TestNowHeader = "X-Test-Now-Ms"

// Config captures server configuration.
type Config struct {
	Service        *service.Service
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	BaseURL        string
	TrustProxy     bool
	TestMode       bool
	RequestTimeout time.Duration
}

// Server wraps HTTP handling logic.
type Server struct {
	svc            *service.Service
	metrics        *metrics.Metrics
	router         chi.Router
	templates      *template.Template
	trustProxy     bool
	testMode       bool
	baseURL        *url.URL
	logger         zerolog.Logger
	requestTimeout time.Duration
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("service required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	tmpl, err := template.New("layout").Funcs(template.FuncMap{
		"formatTime": func(t any) string {
			switch v := t.(type) {
			case time.Time:
				return v.UTC().Format(time.RFC1123)
			case *time.Time:
				if v == nil {
					return "Never"
				}
				return v.UTC().Format(time.RFC1123)
			}
			return ""
		},
		"deref": func(v *int) int {
			if v == nil {
				return 0
			}
			return *v
		},
	}).ParseFS(web.Templates, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	srv := &Server{
		svc:            cfg.Service,
		metrics:        cfg.Metrics,
		router:         chi.NewRouter(),
		templates:      tmpl,
		trustProxy:     cfg.TrustProxy,
		testMode:       cfg.TestMode,
		baseURL:        parsedBase,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
	}
	srv.routes()
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(s.accessLog))
	r.Use(s.recoverer)
	r.Use(securityHeaders)
	r.Use(contextTimeout(s.requestTimeout))
	r.Use(middleware.Compress(5, "text/html", "text/plain", "text/css", "application/javascript", "application/json"))

	fileServer := http.FileServer(http.FS(web.Static))
	r.Handle("/static/*", fileServer)

	r.Get("/", s.handleIndex)
	r.Post("/pastes", s.handleCreateForm)

	r.Route("/p/{id}", func(pr chi.Router) {
		pr.Get("/", s.handleView)
		pr.Get("/raw", s.handleRaw)
		pr.Get("/qr", s.handleQR)
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/pastes", s.handleAPICreate)
		api.Get("/pastes/{id}", s.handleAPIGet)
		api.Get("/healthz", s.handleHealth)
	})
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if isAPI(r) {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		s.render(w, r, http.StatusNotFound, "error", errorPageData{Message: "Page not found"})
	})
}

// now returns the clock for this request. In test mode a valid X-Test-Now-Ms
// header overrides it; otherwise the header is ignored.
func (s *Server) now(r *http.Request) time.Time {
	if s.testMode {
		if raw := strings.TrimSpace(r.Header.Get(TestNowHeader)); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return s.svc.Now()
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.baseURL != nil && s.baseURL.Scheme == "https" {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

func (s *Server) canonicalURL(r *http.Request, id string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		if id != "" {
			u.Path = strings.TrimSuffix(u.Path, "/") + "/p/" + id
		}
		return u.String()
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	if host == "" {
		host = "localhost"
	}
	path := "/"
	if id != "" {
		path = "/p/" + id
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func formatSize(n int) string {
	return humanize.IBytes(uint64(n))
}
