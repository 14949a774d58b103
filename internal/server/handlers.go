package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/session"
	"github.com/pagecast/pagecast/internal/videocache"
)

// Error kinds in the JSON envelope.
const (
	kindNotFound      = "not_found"
	kindAlreadyExists = "already_exists"
	kindAtCapacity    = "at_capacity"
	kindInvalid       = "invalid"
	kindInternal      = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// writeSessionError maps pool sentinels onto the error envelope.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, session.ErrAlreadyExists):
		writeError(w, http.StatusConflict, kindAlreadyExists, err.Error())
	case errors.Is(err, session.ErrAtCapacity):
		writeError(w, http.StatusInternalServerError, kindAtCapacity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "pagecast",
		"version":        s.version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"video": map[string]any{
			"codec":           "H264",
			"width":           s.cfg.VideoWidth,
			"height":          s.cfg.VideoHeight,
			"framerate":       s.cfg.Framerate,
			"max_framerate":   s.cfg.MaxFramerate,
			"min_bitrate":     s.cfg.MinBitrate,
			"default_bitrate": s.cfg.DefaultBitrate,
			"max_bitrate":     s.cfg.MaxBitrate,
		},
		"audio": map[string]any{
			"codec":       "opus",
			"enabled":     s.cfg.AudioEnabled,
			"sample_rate": s.cfg.AudioSampleRate,
			"channels":    s.cfg.AudioChannels,
		},
		"browser": map[string]any{
			"active_sessions": s.pool.Len(),
			"max_sessions":    s.pool.MaxSessions(),
			"sessions":        s.sessionIDs(),
		},
		"connections": map[string]any{
			"connected": s.registry.Count(),
		},
	})
}

func (s *Server) sessionIDs() []string {
	infos := s.pool.List()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	}
	if r.Body != nil {
		// An empty body means all defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Width < 0 || req.Height < 0 {
		writeError(w, http.StatusBadRequest, kindInvalid, "viewport must be non-negative")
		return
	}

	sess, err := s.pool.Create(r.Context(), req.SessionID, req.Width, req.Height)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	width, height := sess.Viewport()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sess.ID(),
		"viewport": map[string]int{
			"width":  width,
			"height": height,
		},
		"websocket_url": "/ws/signaling",
	})
}

func (s *Server) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, kindInvalid, "body must carry a url")
		return
	}

	target, err := normalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalid, err.Error())
		return
	}

	sess, err := s.pool.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	partial, err := sess.Navigate(r.Context(), target)
	if err != nil {
		s.log.Warn("navigation failed", logging.KeySession, id, "url", target, logging.KeyError, err)
		writeError(w, http.StatusInternalServerError, kindInternal, "navigation failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"url":        target,
		"partial":    partial,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Close(id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.pool.List()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"sessions": map[string]any{
			"active":   len(infos),
			"max":      s.pool.MaxSessions(),
			"sessions": ids,
			"detail":   infos,
		},
	})
}

// normalizeURL defaults bare hosts to https and rejects non-web schemes.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("url is not parseable")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	return u.String(), nil
}

func writeVideoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, videocache.ErrBadID):
		writeError(w, http.StatusBadRequest, kindInvalid, err.Error())
	case errors.Is(err, videocache.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, videocache.ErrNotReady):
		writeError(w, http.StatusConflict, kindInvalid, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
	}
}

func (s *Server) handleVideoPrepare(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.videos.Prepare(id)
	if err != nil {
		writeVideoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.videos.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeVideoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	entry, err := s.videos.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeVideoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          entry.ID,
		"status":      entry.Status,
		"size_bytes":  entry.SizeBytes,
		"created_at":  entry.CreatedAt,
		"age_seconds": time.Since(entry.CreatedAt).Seconds(),
	})
}

// handleVideoStream serves a ready MP4 with range support, so clients
// can seek without re-downloading.
func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	path, err := s.videos.Path(chi.URLParam(r, "id"))
	if err != nil {
		writeVideoError(w, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) handleVideoList(w http.ResponseWriter, r *http.Request) {
	videos := s.videos.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"videos": videos,
		"count":  len(videos),
	})
}
