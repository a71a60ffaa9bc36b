// Package server exposes the acquisition pipeline over HTTP: a JSON API for
// starting and cancelling downloads, a websocket progress feed, and a range
// content server that can play episodes while they are still arriving.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"anivault/internal/logging"
	"anivault/internal/progress"
	"anivault/internal/provider"
	"anivault/internal/store"
	"anivault/internal/transfer"
)

// downloadEngine is the slice of the transfer engine the handlers need.
type downloadEngine interface {
	InitiateDownload(ctx context.Context, a *store.Anime, ref provider.Ref, episode int) (*transfer.Receipt, error)
	CancelOrPause(id, mode string) bool
	InFlightSize(id string) (int64, bool)
	Active(id string) bool
}

// catalog is the read side of the store.
type catalog interface {
	FindAnimeByID(ctx context.Context, id int64) (*store.Anime, error)
	FindProviderMetadata(ctx context.Context, animeID int64) (*store.ProviderMetadata, error)
	ListAnime(ctx context.Context) ([]*store.Anime, error)
}

// Options wires the handler.
type Options struct {
	Engine   downloadEngine
	Catalog  catalog
	Hub      *progress.Hub
	MediaDir string
}

// New returns the http.Handler with all routes and middleware wired.
func New(opts Options) http.Handler {
	s := &server{
		engine:   opts.Engine,
		catalog:  opts.Catalog,
		hub:      opts.Hub,
		mediaDir: opts.MediaDir,
		dirCache: expirable.NewLRU[int64, *store.Anime](128, nil, 5*time.Minute),
		log:      logging.Get("server"),
	}
	rl := newIPRateLimiter(rate.Every(time.Second), 30)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/download", with(rl, s.handleDownload))
	mux.HandleFunc("/api/cancel", with(rl, s.handleCancel))
	mux.HandleFunc("/api/status", with(rl, s.handleStatus))
	mux.HandleFunc("/api/anime", with(rl, s.handleListAnime))
	mux.HandleFunc("/ws/progress", s.handleProgressSocket)
	mux.HandleFunc("/videos/", with(rl, s.handleVideo))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return recoverer(s.log, requestLogger(s.log, mux))
}

type server struct {
	engine   downloadEngine
	catalog  catalog
	hub      *progress.Hub
	mediaDir string
	dirCache *expirable.LRU[int64, *store.Anime]
	log      zerolog.Logger
}

// lookupAnime resolves a catalog id, serving repeat lookups from the cache.
func (s *server) lookupAnime(ctx context.Context, id int64) (*store.Anime, error) {
	if a, ok := s.dirCache.Get(id); ok {
		return a, nil
	}
	a, err := s.catalog.FindAnimeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.dirCache.Add(id, a)
	return a, nil
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		AnimeID int64 `json:"anime_id"`
		Episode int   `json:"episode"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.AnimeID <= 0 || req.Episode <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	a, err := s.lookupAnime(r.Context(), req.AnimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "unknown_anime"})
			return
		}
		s.log.Error().Err(err).Int64("anime_id", req.AnimeID).Msg("catalog lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}
	meta, err := s.catalog.FindProviderMetadata(r.Context(), req.AnimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "no_provider_binding"})
			return
		}
		s.log.Error().Err(err).Int64("anime_id", req.AnimeID).Msg("provider metadata lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}

	ref := provider.Ref{ProviderID: meta.ProviderID, ProviderSlug: meta.ProviderSlug}
	receipt, err := s.engine.InitiateDownload(r.Context(), a, ref, req.Episode)
	switch {
	case errors.Is(err, transfer.ErrAlreadyDownloaded):
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "already_downloaded", "size": nil})
	case errors.Is(err, transfer.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "message": "shutting_down"})
	case err != nil:
		s.log.Error().Err(err).Int64("anime_id", req.AnimeID).Int("episode", req.Episode).Msg("download request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
	case receipt.Size == "":
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "queued", "size": ""})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "started", "size": receipt.Size})
	}
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Identifier string `json:"identifier"`
		Mode       string `json:"mode"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	if !s.engine.CancelOrPause(req.Identifier, req.Mode) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "not_active"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "signalled"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": s.hub.Snapshot()})
}

func (s *server) handleListAnime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.catalog.ListAnime(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list anime failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "anime": items})
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Middleware

func with(rl *ipRateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

func requestLogger(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("remote", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func recoverer(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
