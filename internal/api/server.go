// Package api provides the HTTP server and handlers.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/auth"
	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/loader"
	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/metrics"
	"github.com/pagemill/pagemill/internal/vfs"
	"github.com/pagemill/pagemill/internal/vfs/postgres"
)

// Server is the HTTP server.
type Server struct {
	provider    vfs.Provider
	store       *postgres.Store // write surface, nil when running read-only
	loader      *loader.Loader
	auth        *auth.Auth
	broadcaster *events.Broadcaster
	config      *config.Config
}

// NewServer creates a new server. store may be nil, which disables the
// resource write endpoints.
func NewServer(
	provider vfs.Provider,
	store *postgres.Store,
	ld *loader.Loader,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	cfg *config.Config,
) *Server {
	return &Server{
		provider:    provider,
		store:       store,
		loader:      ld,
		auth:        authHandler,
		broadcaster: broadcaster,
		config:      cfg,
	}
}

// Handler returns the root HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)
	mux.HandleFunc("GET /api/v1/serve/{path...}", s.handleServe)

	// Authenticated endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/resolve", s.handleResolve)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Admin endpoints
	adminOnly := func(h http.HandlerFunc) http.Handler { return auth.RequireAdmin(h) }
	protected.Handle("POST /api/v1/purge", adminOnly(s.handlePurge))
	protected.Handle("POST /api/v1/invalidate", adminOnly(s.handleInvalidate))
	protected.Handle("DELETE /api/v1/mirror/{path...}", adminOnly(s.handleRemoveMirror))
	protected.Handle("PUT /api/v1/resources/{path...}", adminOnly(s.handlePutResource))
	protected.Handle("DELETE /api/v1/resources/{path...}", adminOnly(s.handleDeleteResource))
	protected.Handle("POST /api/v1/publish/{path...}", adminOnly(s.handlePublish))

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// handleServe resolves a template and serves its mirror file.
func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	rootPath := "/" + r.PathValue("path")
	scope, err := vfs.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	force := boolParam(r, "recompile")

	res, err := s.loader.Resolve(r.Context(), rootPath, scope, force)
	if errors.Is(err, vfs.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "resource not found: "+rootPath)
		return
	}
	if err != nil {
		logging.Error("resolve failed", zap.String("path", rootPath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		logging.Error("mirror read failed", zap.String("path", res.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "mirror read failed")
		return
	}

	s.setCacheHeaders(w, r, rootPath, scope, res)
	if ct := mime.TypeByExtension(path.Ext(rootPath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// ServeContent handles If-Modified-Since and range requests against the
	// mirror's rounded-up timestamp
	http.ServeContent(w, r, filepath.Base(res.Path), res.LastModified, bytes.NewReader(data))
}

func (s *Server) setCacheHeaders(w http.ResponseWriter, r *http.Request, rootPath string, scope vfs.Scope, res *loader.Result) {
	cacheMode, err := s.provider.ReadProperty(r.Context(), scope, rootPath, vfs.PropertyCache, true)
	if err != nil {
		logging.Warn("cache property read failed", zap.String("path", rootPath), zap.Error(err))
	}
	switch {
	case cacheMode == vfs.CacheBypass:
		w.Header().Set("Cache-Control", "no-store")
	case s.config != nil && s.config.ClientCacheMaxAge > 0:
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(s.config.ClientCacheMaxAge))
	}
	if !res.Expires.IsZero() {
		w.Header().Set("Expires", res.Expires.UTC().Format(http.TimeFormat))
	}
}

type resolveRequest struct {
	Path  string `json:"path"`
	Scope string `json:"scope"`
	Force bool   `json:"force"`
}

type resolveResponse struct {
	Target       string     `json:"target"`
	Path         string     `json:"path"`
	LastModified time.Time  `json:"last_modified"`
	Expires      *time.Time `json:"expires,omitempty"`
}

// handleResolve regenerates a mirror without serving its content.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		s.sendError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	scope, err := vfs.ParseScope(req.Scope)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.loader.Resolve(r.Context(), req.Path, scope, req.Force)
	if errors.Is(err, vfs.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "resource not found: "+req.Path)
		return
	}
	if err != nil {
		logging.Error("resolve failed", zap.String("path", req.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	resp := resolveResponse{
		Target:       res.Target,
		Path:         res.Path,
		LastModified: res.LastModified,
	}
	if !res.Expires.IsZero() {
		expires := res.Expires
		resp.Expires = &expires
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleEvents streams invalidation events over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

// handlePurge deletes the whole mirror repository in the background.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	logging.Info("mirror purge requested", zap.String("user", claims.Username))

	s.loader.TriggerPurge(func() {
		s.publishEvent(events.Event{Kind: events.ClearAll})
	})
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "purge started"})
}

type invalidateRequest struct {
	Kind  string   `json:"kind"`
	Paths []string `json:"paths"`
}

// handleInvalidate drops staleness cache entries, locally and on every
// subscribed node.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case events.ClearAll, events.ClearOnline, events.ClearOffline:
	default:
		s.sendError(w, http.StatusBadRequest, "unknown invalidation kind: "+req.Kind)
		return
	}

	s.publishEvent(events.Event{Kind: req.Kind, Paths: req.Paths})
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "invalidation published"})
}

// handleRemoveMirror drops one resource's mirror file and cache entry.
func (s *Server) handleRemoveMirror(w http.ResponseWriter, r *http.Request) {
	rootPath := "/" + r.PathValue("path")
	scope, err := vfs.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.loader.RemoveMirrorEntry(r.Context(), rootPath, scope); err != nil {
		logging.Error("mirror removal failed", zap.String("path", rootPath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "mirror removal failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutResource uploads template source into the virtual store.
func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "resource store not configured")
		return
	}
	rootPath := "/" + r.PathValue("path")
	scope, err := vfs.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	typeID := vfs.TypeTemplate
	if v := r.URL.Query().Get("type"); v != "" {
		typeID, err = strconv.Atoi(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid type id")
			return
		}
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(http.MaxBytesReader(w, r.Body, 32<<20)); err != nil {
		s.sendError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.UpsertResource(ctx, scope, rootPath, typeID, time.Now(), time.Time{}, body.Bytes()); err != nil {
		logging.Error("resource upsert failed", zap.String("path", rootPath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "resource upsert failed")
		return
	}
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		if err := s.store.SetProperty(ctx, scope, rootPath, vfs.PropertyEncoding, enc); err != nil {
			logging.Error("set encoding failed", zap.String("path", rootPath), zap.Error(err))
		}
	}
	if links := r.URL.Query().Get("links"); links != "" {
		if err := s.store.SetStrongLinks(ctx, scope, rootPath, strings.Split(links, ",")); err != nil {
			logging.Error("set strong links failed", zap.String("path", rootPath), zap.Error(err))
		}
	}

	s.publishEvent(events.Event{Kind: scopeClearKind(scope), Paths: []string{rootPath}})
	s.sendJSON(w, http.StatusCreated, map[string]string{
		"path":  rootPath,
		"scope": scope.String(),
	})
}

// handleDeleteResource removes a resource and its mirror.
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "resource store not configured")
		return
	}
	rootPath := "/" + r.PathValue("path")
	scope, err := vfs.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.loader.RemoveMirrorEntry(ctx, rootPath, scope); err != nil {
		logging.Warn("mirror removal failed", zap.String("path", rootPath), zap.Error(err))
	}
	if err := s.store.DeleteResource(ctx, scope, rootPath); err != nil {
		logging.Error("resource delete failed", zap.String("path", rootPath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "resource delete failed")
		return
	}

	s.publishEvent(events.Event{Kind: scopeClearKind(scope), Paths: []string{rootPath}})
	w.WriteHeader(http.StatusNoContent)
}

// handlePublish copies an offline resource to the online scope and
// invalidates its online mirror.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "resource store not configured")
		return
	}
	rootPath := "/" + r.PathValue("path")

	err := s.store.Publish(r.Context(), rootPath)
	if errors.Is(err, vfs.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "resource not found: "+rootPath)
		return
	}
	if err != nil {
		logging.Error("publish failed", zap.String("path", rootPath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	s.publishEvent(events.Event{Kind: events.ClearOnline, Paths: []string{rootPath}})
	s.sendJSON(w, http.StatusOK, map[string]string{"path": rootPath, "status": "published"})
}

func scopeClearKind(scope vfs.Scope) string {
	if scope == vfs.Online {
		return events.ClearOnline
	}
	return events.ClearOffline
}

func (s *Server) publishEvent(ev events.Event) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(ev)
}

func boolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
