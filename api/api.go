// Package api exposes drivecache over HTTP.
//
// Besides the folder and tree listings for clients, it receives the push
// notifications Google Drive sends to the watch channel webhooks.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
	"go.uber.org/zap"
)

// Push notification headers.
const (
	headerResourceState = "X-Goog-Resource-State"
	headerChannelID     = "X-Goog-Channel-ID"
)

// retryAfter is the number of seconds a rate limited client should wait.
const retryAfter = "5"

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Server handles the HTTP routes of drivecache.
type Server struct {
	cache       *drivecache.Cache
	log         *zap.Logger
	origin      string
	cleanupRoot string
	router      chi.Router
}

// An Option can override some of the default Server values.
type Option func(*Server)

// WithLogger sets the logger of the server.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithOrigin sets the public origin Google delivers notifications to,
// such as https://drive.example.com. By default the origin of each request is used.
func WithOrigin(origin string) Option {
	return func(s *Server) {
		s.origin = origin
	}
}

// WithCleanupRoot sets the folder POST /api/remove-empty cleans when no root is given.
func WithCleanupRoot(folderID string) Option {
	return func(s *Server) {
		s.cleanupRoot = folderID
	}
}

// New creates a Server on top of the cache.
func New(cache *drivecache.Cache, opts ...Option) *Server {
	s := &Server{
		cache: cache,
		log:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/folders/{id}", s.folder)
		r.Get("/tree/{id}", s.tree)
		r.Post("/watch/{folderID}", s.watch)
		r.Post("/changes", s.changes)
		r.Post("/move-all", s.moveAll)
		r.Post("/remove-empty", s.removeEmpty)
		r.Get("/trashed", s.trashed)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type filesResponse struct {
	Files []ds.Item `json:"files"`
}

type countResponse struct {
	Moved   *int `json:"moved,omitempty"`
	Trashed *int `json:"trashed,omitempty"`
}

type trashedResponse struct {
	Folders []drivecache.TrashedFolder `json:"folders"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) folder(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "id")
	if !validID.MatchString(folderID) {
		s.writeError(w, http.StatusBadRequest, "invalid folder id")
		return
	}

	webhookURL := s.originOf(r) + "/api/watch/" + folderID

	// The listing is served even when the channel could not be ensured.
	if err := s.cache.EnsureWatchChannel(r.Context(), webhookURL, folderID); err != nil {
		loggerFrom(r.Context(), s.log).Warn("Failed to ensure watch channel",
			zap.String("folder", folderID),
			zap.Error(err),
		)
	}

	items, err := s.cache.GetChildren(r.Context(), folderID, r.URL.Query().Get("refresh") == "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, filesResponse{Files: nonNil(items)})
}

func (s *Server) tree(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "id")
	if !validID.MatchString(folderID) {
		s.writeError(w, http.StatusBadRequest, "invalid folder id")
		return
	}

	items, err := s.cache.GetTree(r.Context(), folderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, filesResponse{Files: nonNil(items)})
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "folderID")
	if !validID.MatchString(folderID) {
		s.writeError(w, http.StatusBadRequest, "invalid folder id")
		return
	}

	n := drivecache.Notification{
		FolderID:      folderID,
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceState: r.Header.Get(headerResourceState),
	}

	if err := s.cache.HandleNotification(r.Context(), n); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Write([]byte("OK"))
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	n := drivecache.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceState: r.Header.Get(headerResourceState),
	}

	if err := s.cache.HandleChangesNotification(r.Context(), n); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Write([]byte("OK"))
}

func (s *Server) moveAll(w http.ResponseWriter, r *http.Request) {
	moved, err := s.cache.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, countResponse{Moved: &moved})
}

func (s *Server) removeEmpty(w http.ResponseWriter, r *http.Request) {
	rootID := r.URL.Query().Get("root")
	if rootID == "" {
		rootID = s.cleanupRoot
	}

	if !validID.MatchString(rootID) {
		s.writeError(w, http.StatusBadRequest, "invalid root folder id")
		return
	}

	trashed, err := s.cache.RemoveEmptyFolders(r.Context(), rootID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, countResponse{Trashed: &trashed})
}

func (s *Server) trashed(w http.ResponseWriter, r *http.Request) {
	folders, err := s.cache.NonEmptyTrashedFolders(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if folders == nil {
		folders = []drivecache.TrashedFolder{}
	}

	s.writeJSON(w, http.StatusOK, trashedResponse{Folders: folders})
}

// originOf returns the configured origin, or the origin the request was sent to.
func (s *Server) originOf(r *http.Request) string {
	if s.origin != "" {
		return s.origin
	}

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}

// status maps an error onto the HTTP status returned to the client.
func status(err error) int {
	switch {
	case errors.Is(err, drivecache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, drivecache.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, drivecache.ErrUnknownChannel):
		return http.StatusForbidden
	case errors.Is(err, drivecache.ErrBadNotification):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)

	log := loggerFrom(r.Context(), s.log)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Warn("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}

	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfter)
	}

	s.writeError(w, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func nonNil(items []ds.Item) []ds.Item {
	if items == nil {
		return []ds.Item{}
	}

	return items
}
