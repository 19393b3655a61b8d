// Package api exposes the organizer over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/guardian"
	"github.com/kelseywhytock/extension-wrangler/internal/organizer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// StatusSource reports the guardian's per-extension state.
type StatusSource interface {
	States() []guardian.Status
}

// Server provides the HTTP API for the extension organizer.
type Server struct {
	org      *organizer.Organizer
	guardian StatusSource
	clock    clock.Clock
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server
}

// NewServer creates a server listening on port. guardian may be nil when
// the guardian is not running.
func NewServer(org *organizer.Organizer, g StatusSource, clk clock.Clock, logger *zap.Logger, port int) *Server {
	s := &Server{
		org:      org,
		guardian: g,
		clock:    clk,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/message", s.handleMessage)

		r.Get("/extensions", s.handleListExtensions)
		r.Post("/extensions/enable-all", s.handleEnableAll)
		r.Post("/extensions/disable-all", s.handleDisableAll)

		r.Get("/groups", s.handleListGroups)
		r.Post("/groups", s.handleCreateGroup)
		r.Post("/groups/reorder", s.handleReorder)
		r.Put("/groups/{id}", s.handleUpdateGroup)
		r.Delete("/groups/{id}", s.handleDeleteGroup)
		r.Post("/groups/{id}/members", s.handleAddMember)
		r.Delete("/groups/{id}/members/{extensionID}", s.handleRemoveMember)
		r.Post("/groups/{id}/toggle", s.handleToggleGroup)

		r.Get("/journal", s.handleJournal)
		r.Delete("/journal", s.handleClearJournal)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Get("/guardian", s.handleGuardian)
		r.Get("/diagnostics/groups", s.handleGroupDiagnostics)
	})

	s.router = r
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Endpoint documents one route in the sitemap.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{"/", "GET", "This sitemap"},
	{"/health", "GET", "Health check, returns {\"status\": \"ok\"}"},
	{"/api/message", "POST", "Messaging protocol: getExtensions, toggleExtension"},
	{"/api/extensions", "GET", "Installed extensions sorted by name"},
	{"/api/extensions/enable-all", "POST", "Enable every extension (body {\"confirm\": true})"},
	{"/api/extensions/disable-all", "POST", "Disable every extension (body {\"confirm\": true})"},
	{"/api/groups", "GET", "Groups in display order"},
	{"/api/groups", "POST", "Create a group"},
	{"/api/groups/reorder", "POST", "Move a group onto another group's position"},
	{"/api/groups/{id}", "PUT", "Rename a group and replace its members"},
	{"/api/groups/{id}", "DELETE", "Delete a group (?confirm=true or body {\"confirm\": true})"},
	{"/api/groups/{id}/members", "POST", "Add an extension to a group"},
	{"/api/groups/{id}/members/{extensionID}", "DELETE", "Remove an extension from a group"},
	{"/api/groups/{id}/toggle", "POST", "Enable or disable every member"},
	{"/api/journal", "GET", "Recent toggle failures"},
	{"/api/journal", "DELETE", "Clear the failure journal"},
	{"/api/export", "GET", "Download groups as an export file"},
	{"/api/import", "POST", "Replace groups from an export file (requires confirm)"},
	{"/api/guardian", "GET", "Always-on guardian state"},
	{"/api/diagnostics/groups", "GET", "Group health report"},
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Extension Wrangler API\n")
	fmt.Fprintf(w, "======================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-7s %-42s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost%s/api/groups | jq\n", s.server.Addr)
	fmt.Fprintf(w, "  curl -X POST -d '{\"enabled\":true}' http://localhost%s/api/groups/always-on/toggle\n", s.server.Addr)
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
