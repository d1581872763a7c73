// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/config"
	"github.com/stashd/stashd/internal/events"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/share"
	"github.com/stashd/stashd/internal/storage"
	"github.com/stashd/stashd/internal/storage/router"
)

// Server is the HTTP server.
type Server struct {
	router        *router.Router
	broadcaster   *events.Broadcaster
	maxUploadSize int64
	shareSecret   string
	shareTTL      time.Duration
}

// NewServer creates the HTTP server.
func NewServer(r *router.Router, broadcaster *events.Broadcaster, cfg *config.Config) *Server {
	return &Server{
		router:        r,
		broadcaster:   broadcaster,
		maxUploadSize: cfg.MaxUploadSize,
		shareSecret:   cfg.ShareSecret,
		shareTTL:      cfg.ShareDefaultTTL,
	}
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Files
	mux.HandleFunc("GET /api/v1/files/{path...}", s.handleGetFile)
	mux.HandleFunc("POST /api/v1/files/{path...}", s.handleCreateFile)
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.handleCreateOrReplaceFile)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDeleteFile)
	mux.HandleFunc("GET /api/v1/exists/{path...}", s.handleFileExists)
	mux.HandleFunc("POST /api/v1/move-file", s.handleMoveFile)

	// Content
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleDownload)
	mux.HandleFunc("POST /api/v1/content/{path...}", s.handleUpload)

	// Folders
	mux.HandleFunc("GET /api/v1/folders/{path...}", s.handleGetFolder)
	mux.HandleFunc("POST /api/v1/folders/{path...}", s.handleCreateFolder)
	mux.HandleFunc("DELETE /api/v1/folders/{path...}", s.handleDeleteFolder)
	mux.HandleFunc("GET /api/v1/parent/{path...}", s.handleParentFolder)
	mux.HandleFunc("POST /api/v1/move-folder", s.handleMoveFolder)

	// Listing
	mux.HandleFunc("GET /api/v1/list/files/{path...}", s.handleListFiles)
	mux.HandleFunc("GET /api/v1/list/folders/{path...}", s.handleListFolders)

	// Share links and the expiry setting behind them
	mux.HandleFunc("POST /api/v1/share/{path...}", s.handleCreateShareLink)
	mux.HandleFunc("GET /api/v1/shared/{token}", s.handleShareDownload)
	mux.HandleFunc("GET /api/v1/expiry", s.handleGetExpiry)
	mux.HandleFunc("PUT /api/v1/expiry", s.handleSetExpiry)

	return metrics.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

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
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) publishEvent(eventType, path string, size int64) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(events.Event{
		Type: eventType,
		Path: path,
		Size: size,
	})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err := provider.GetFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}
	entry, err := provider.CreateFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventCreateFile, path, 0)
	s.sendJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleCreateOrReplaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}
	entry, err := provider.CreateOrReplaceFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventCreateFile, path, 0)
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := provider.DeleteFile(r.Context(), rel); err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventDeleteFile, path, 0)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileExists(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{
		"exists": provider.FileExists(r.Context(), rel),
	})
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider, fromRel, toRel, ok := s.resolveMove(w, req)
	if !ok {
		return
	}
	if err := provider.MoveFile(r.Context(), fromRel, toRel); err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.broadcaster.Publish(events.Event{Type: events.EventMoveFile, Path: req.From, NewPath: req.To})
	w.WriteHeader(http.StatusNoContent)
}

// resolveMove resolves both endpoints of a move and requires them to
// live on the same provider; cross-mount moves are not supported.
func (s *Server) resolveMove(w http.ResponseWriter, req moveRequest) (storage.Provider, string, string, bool) {
	fromProvider, fromRel, err := s.router.ResolveForWrite(req.From)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return nil, "", "", false
	}
	toProvider, toRel, err := s.router.ResolveForWrite(req.To)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return nil, "", "", false
	}
	if fromProvider != toProvider {
		s.sendError(w, http.StatusBadRequest, "cannot move across storage locations")
		return nil, "", "", false
	}
	return fromProvider, fromRel, toRel, true
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := provider.GetFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	body, err := provider.OpenFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	defer body.Close()

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", entry.Size))

	n, err := io.Copy(w, body)
	metrics.AddBytesServed(n)
	if err != nil {
		logging.Error("download aborted",
			zap.String("path", rel),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := provider.SaveStream(r.Context(), rel, body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds limit of %d bytes", s.maxUploadSize))
			return
		}
		s.sendStorageError(w, err)
		return
	}

	entry, err := provider.GetFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventSaveFile, path, entry.Size)
	s.sendJSON(w, http.StatusCreated, entry)
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err := provider.GetFolder(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := provider.CreateFolder(r.Context(), rel); err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventCreateFolder, path, 0)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.ResolveForWrite(path)
	if err != nil {
		s.sendError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := provider.DeleteFolder(r.Context(), rel); err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.publishEvent(events.EventDeleteFolder, path, 0)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParentFolder(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err := provider.ParentFolder(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider, fromRel, toRel, ok := s.resolveMove(w, req)
	if !ok {
		return
	}
	if err := provider.MoveFolder(r.Context(), fromRel, toRel); err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.broadcaster.Publish(events.Event{Type: events.EventMoveFolder, Path: req.From, NewPath: req.To})
	w.WriteHeader(http.StatusNoContent)
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := provider.ListFiles(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	provider, rel, err := s.router.Resolve(r.PathValue("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := provider.ListFolders(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// ─── Share links ────────────────────────────────────────────────────────────

// presigner is implemented by providers that can issue their own
// time-limited URLs (S3). Everything else goes through the JWT signer.
type presigner interface {
	PresignGet(ctx context.Context, rel string, fallbackTTL time.Duration) (string, error)
}

func (s *Server) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	provider, rel, err := s.router.Resolve(path)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !provider.FileExists(r.Context(), rel) {
		s.sendError(w, http.StatusNotFound, "file not found: "+path)
		return
	}

	if ps, ok := provider.(presigner); ok {
		url, err := ps.PresignGet(r.Context(), rel, s.shareTTL)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sendJSON(w, http.StatusCreated, map[string]string{"url": url})
		return
	}

	signer := share.NewSigner(s.shareSecret, provider, s.shareTTL)
	token, expiresAt, err := signer.Issue(path)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{
		"url":        "/api/v1/shared/" + token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	provider, err := s.router.Default()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	signer := share.NewSigner(s.shareSecret, provider, s.shareTTL)
	path, err := signer.Verify(token)
	if err != nil {
		s.sendError(w, http.StatusForbidden, "invalid or expired share link")
		return
	}

	provider, rel, err := s.router.Resolve(path)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := provider.OpenFile(r.Context(), rel)
	if err != nil {
		s.sendStorageError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	n, _ := io.Copy(w, body)
	metrics.AddBytesServed(n)
}

// ─── Shared access expiry ───────────────────────────────────────────────────

type expiryRequest struct {
	// Path selects the provider whose setting is read or written; the
	// default provider when empty.
	Path      string     `json:"path"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleGetExpiry(w http.ResponseWriter, r *http.Request) {
	provider, _, err := s.router.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	expiry := provider.SharedAccessExpiry()
	resp := map[string]any{"expires_at": nil}
	if !expiry.IsZero() {
		resp["expires_at"] = expiry.UTC().Format(time.RFC3339)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider, _, err := s.router.Resolve(req.Path)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.ExpiresAt == nil {
		provider.SetSharedAccessExpiry(time.Time{})
	} else {
		provider.SetSharedAccessExpiry(*req.ExpiresAt)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendStorageError maps the storage error taxonomy onto HTTP status
// codes, keeping the error message for diagnostics.
func (s *Server) sendStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNoParent):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
