// Package web implements the web server for contacts application
package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/contacts/app/web/persistence"
)

//go:generate moq -out mocks/store.go -pkg mocks -skip-ensure -fmt goimports . Store

const maxRequestSize = 64 * 1024 // 64KB

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server represents the web server
type Server struct {
	store          Store
	templates      map[string]*template.Template
	flash          flashJar
	baseURL        string // base URL path for reverse proxy (e.g., /contacts), empty for root
	version        string
	csrfProtection *http.CrossOriginProtection // csrf protection for POST endpoints
}

// Store defines storage operations for contacts
type Store interface {
	Add(ctx context.Context, c persistence.Contact) (persistence.Contact, error)
	List(ctx context.Context) ([]persistence.Contact, error)
}

// Config holds server configuration
type Config struct {
	Store   Store  // contacts storage, required
	Secret  string // secret used to sign flash cookies, required
	BaseURL string // base URL path for reverse proxy (e.g., /contacts), empty for root
	Version string
}

// TemplateData holds data for templates
type TemplateData struct {
	Contacts    []persistence.Contact
	Flashes     []string
	BaseURL     string
	Version     string
	CurrentYear int
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: store is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("web server initialization failed: secret is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" && !strings.HasPrefix(baseURL, "/") {
		baseURL = "/" + baseURL
	}

	s := &Server{
		store:          cfg.Store,
		baseURL:        baseURL,
		version:        cfg.Version,
		csrfProtection: http.NewCrossOriginProtection(),
	}
	s.flash = flashJar{secret: []byte(cfg.Secret), path: s.cookiePath()}

	templates, err := s.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w", err)
	}
	s.templates = templates

	return s, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.baseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	// handle base URL without trailing slash - redirect to with trailing slash
	mux.HandleFunc(s.baseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.baseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.baseURL+"/", http.StripPrefix(s.baseURL, routes))
	return mux
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("contacts", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.HandleFunc("GET /{$}", s.handleIndex)
	// form body size is limited inside the handler, oversized submission is flashed like any other failure
	router.With(s.csrfProtection.Handler).HandleFunc("POST /add", s.handleAdd)
	router.HandleFunc("GET /contacts", s.handleContacts)

	// JSON API for programmatic access
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache, rest.SizeLimit(maxRequestSize))
		api.HandleFunc("GET /contacts", s.handleAPIContacts)
	})

	fsys, err := fs.Sub(staticFS, "static")
	if err != nil {
		log.Printf("[ERROR] failed to create static file system: %v", err)
		router.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	} else {
		router.HandleFiles("/static/", http.FS(fsys))
	}

	return router
}

// newTemplateData creates a TemplateData with common fields and pending flash messages.
// Flashes are consumed, i.e. the flash cookie is cleared in the response.
func (s *Server) newTemplateData(w http.ResponseWriter, r *http.Request) TemplateData {
	return TemplateData{
		Flashes:     s.flash.pop(w, r),
		BaseURL:     s.baseURL,
		Version:     s.version,
		CurrentYear: time.Now().Year(),
	}
}

// render renders a page template
func (s *Server) render(w http.ResponseWriter, page, tmplName string, data any) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Printf("[WARN] template %s not found", page)
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	buf := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(buf, tmplName, data); err != nil {
		log.Printf("[WARN] failed to execute template: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// parseTemplates parses page templates, each page gets its own copy of the base layout
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)

	funcMap := template.FuncMap{
		"humanTime": s.humanTime,
		"url":       s.url,
	}

	for _, page := range []string{"index", "contacts"} {
		tmpl, err := template.New("base.html").Funcs(funcMap).ParseFS(templatesFS,
			"templates/base.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", page, err)
		}
		templates[page] = tmpl
	}

	return templates, nil
}

// template helper functions

func (s *Server) humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 2 2006, 15:04:05")
}

// url prepends the base URL to a path for reverse proxy support
func (s *Server) url(path string) string {
	return s.baseURL + path
}

// cookiePath returns the cookie path with base URL support
func (s *Server) cookiePath() string {
	if s.baseURL == "" {
		return "/"
	}
	return s.baseURL + "/"
}
