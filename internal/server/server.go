// Package server is the HTTP surface a host application mounts for the
// kernel-mediated concerns: analytics ingestion, login, slot rendering and
// host-triggered actions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/analytics"
	"github.com/plinthcms/plinth/internal/auth"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/theme"
	"github.com/plinthcms/plinth/internal/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// AdminRole is required to trigger actions over HTTP.
const AdminRole = "admin"

// Sites resolves a site by id or slug.
type Sites interface {
	Site(ctx context.Context, ref string) (*types.Site, error)
}

// Actions runs host-triggered action hooks.
type Actions interface {
	DoAction(ctx context.Context, siteID, hook string, args ...interface{}) error
}

// Ingestor accepts analytics events.
type Ingestor interface {
	Ingest(ctx context.Context, event *types.AnalyticsEvent) (analytics.Outcome, error)
}

// Authenticator logs users in and verifies their tokens.
type Authenticator interface {
	Login(ctx context.Context, siteID, provider string, creds auth.Credentials) (*auth.Session, error)
	Verify(token, siteID string) (*auth.Claims, error)
}

// Renderer renders template slots.
type Renderer interface {
	Render(ctx context.Context, siteID, slot string, data map[string]interface{}) (string, error)
}

// Deps are the services the HTTP handlers call.
type Deps struct {
	Sites     Sites
	Actions   Actions
	Analytics Ingestor
	Auth      Authenticator
	Themes    Renderer
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates a Server and registers its routes.
func New(deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /sites/{site}/analytics", s.handleAnalytics)
	s.mux.HandleFunc("POST /sites/{site}/auth/{provider}", s.handleLogin)
	s.mux.HandleFunc("GET /sites/{site}/slots/{slot}", s.handleSlot)
	s.mux.HandleFunc("POST /sites/{site}/hooks/{hook}", s.handleHook)
	return s
}

// Handler returns the root handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.logRequests(s.mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		s.logger.Info("http server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type analyticsRequest struct {
	Name       string            `json:"name"`
	Path       string            `json:"path"`
	Referrer   string            `json:"referrer"`
	VisitorID  string            `json:"visitor_id"`
	Props      map[string]string `json:"props"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	var req analyticsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = analytics.PageView
	}
	outcome, err := s.deps.Analytics.Ingest(r.Context(), &types.AnalyticsEvent{
		SiteID:     site.ID,
		Name:       req.Name,
		Path:       req.Path,
		Referrer:   req.Referrer,
		UserAgent:  r.UserAgent(),
		VisitorID:  req.VisitorID,
		Props:      req.Props,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	var creds auth.Credentials
	if !decode(w, r, &creds) {
		return
	}
	provider := r.PathValue("provider")
	session, err := s.deps.Auth.Login(r.Context(), site.ID, provider, creds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, session)
	case errors.Is(err, auth.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		// Provider internals are logged, not returned.
		s.logger.Info("login rejected",
			zap.String("site", site.Slug),
			zap.String("provider", provider),
			zap.Error(err))
		writeError(w, http.StatusUnauthorized, "login failed")
	}
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	data := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			data[key] = values[0]
		}
	}
	if token := bearer(r); token != "" {
		claims, err := s.deps.Auth.Verify(token, site.ID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		data["User"] = claims
	}

	html, err := s.deps.Themes.Render(r.Context(), site.ID, r.PathValue("slot"), data)
	if errors.Is(err, theme.ErrNoTemplate) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("render failed", zap.String("site", site.Slug), zap.String("slot", r.PathValue("slot")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// reservedHooks are dispatched by the kernel itself.
var reservedHooks = []string{
	hooks.KernelEvent,
	hooks.AnalyticsIngest,
	hooks.AnalyticsIngested,
	hooks.AuthIdentity,
	hooks.ThemeContext,
	hooks.WebhookPayload,
	hooks.SettingsChanged,
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	claims, err := s.deps.Auth.Verify(bearer(r), site.ID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !slices.Contains(claims.Roles, AdminRole) {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	hook := r.PathValue("hook")
	if slices.Contains(reservedHooks, hook) || strings.HasPrefix(hook, hooks.ThemeRenderPrefix) {
		writeError(w, http.StatusForbidden, "hook "+hook+" is dispatched by the kernel")
		return
	}

	var args []interface{}
	if r.ContentLength != 0 {
		var payload interface{}
		if !decode(w, r, &payload) {
			return
		}
		args = append(args, payload)
	}

	var failures []string
	if err := s.deps.Actions.DoAction(r.Context(), site.ID, hook, args...); err != nil {
		var herr *hooks.HookError
		for _, e := range unwrapAll(err) {
			if errors.As(e, &herr) {
				failures = append(failures, herr.PluginID+": "+herr.Err.Error())
			} else {
				failures = append(failures, e.Error())
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hook": hook, "failures": failures})
}

// unwrapAll flattens an errors.Join tree one level.
func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func (s *Server) site(w http.ResponseWriter, r *http.Request) (*types.Site, bool) {
	site, err := s.deps.Sites.Site(r.Context(), r.PathValue("site"))
	if errors.Is(err, types.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown site")
		return nil, false
	}
	if err != nil {
		s.logger.Error("site lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "site lookup failed")
		return nil, false
	}
	return site, true
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("http handler panicked",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
