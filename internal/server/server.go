// Package server serves a read-only dashboard and JSON API over runs and
// deployments.
package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/pipeline"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server is the HTTP server for inspecting runs.
type Server struct {
	db       *database.DB
	pipeline *pipeline.Pipeline
	pages    map[string]*template.Template
	mux      *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB, p *pipeline.Pipeline) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"when": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format("2006-01-02 15:04:05")
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pipeline: p, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /runs/{id}", s.handleRun)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)
	s.mux.HandleFunc("GET /api/deployments", s.handleAPIDeployments)
	s.mux.HandleFunc("GET /api/deployments/{project}", s.handleAPIDeploymentHistory)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(r.Context(), r.URL.Query().Get("project"), 50)
	if err != nil {
		s.internalError(w, err)
		return
	}
	deployments, err := s.db.LatestDeployments(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Runs":        runs,
		"Deployments": deployments,
		"Stats":       stats,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Inspect(r.Context(), r.PathValue("id"))
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.render(w, "run.html", map[string]any{
		"Result":  res,
		"Summary": runSummary(res),
		"Active":  s.activeRun(res.Run.Project),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.GetStats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := s.db.ListRuns(r.Context(), r.URL.Query().Get("project"), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if runs == nil {
		runs = []database.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Inspect(r.Context(), r.PathValue("id"))
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	steps := res.Steps
	if steps == nil {
		steps = []stage.Result{}
	}
	writeJSON(w, http.StatusOK, pipeline.RunLog{Run: res.Run, Results: steps, Deployment: res.Deployment})
}

func (s *Server) handleAPIDeployments(w http.ResponseWriter, r *http.Request) {
	recs, err := s.db.LatestDeployments(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleAPIDeploymentHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.db.DeploymentHistory(r.Context(), r.PathValue("project"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if len(recs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no deployments for project"})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) activeRun(project string) string {
	if s.pipeline == nil {
		return ""
	}
	id, _ := s.pipeline.Active(project)
	return id
}

// runSummary renders a short markdown account of a run for the detail page.
func runSummary(res *pipeline.Result) string {
	var b strings.Builder
	run := res.Run
	fmt.Fprintf(&b, "**%s** (%s niche), run state `%s`", run.Request.BrandName, run.Request.Niche, run.State)
	if run.Interrupted {
		b.WriteString(", interrupted and resumable")
	}
	b.WriteString(".\n\n")
	if run.ParentID != "" {
		fmt.Fprintf(&b, "Regenerated from [%s](/runs/%s), starting at %s.\n\n", run.ParentID, run.ParentID, run.StartStage)
	}
	if f, ok := res.Failure(); ok {
		step := string(f.Stage)
		if f.Step != "" {
			step += "/" + f.Step
		}
		fmt.Fprintf(&b, "Stopped in `%s` on attempt %d: %s\n\n", step, f.Attempt, f.Error)
	}
	if res.Deployment != nil && res.Deployment.LiveURL != "" {
		fmt.Fprintf(&b, "Live at <%s>.\n", res.Deployment.LiveURL)
	}
	return b.String()
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Printf("Request failed: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, p *pipeline.Pipeline, port int) error {
	srv, err := New(db, p)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
