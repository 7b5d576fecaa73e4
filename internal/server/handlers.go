package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/embeddy/internal/models"
	"go.uber.org/zap"
)

// maxBodyBytes caps embed request bodies.
const maxBodyBytes = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.svc.ListLoaded()
	if loaded == nil {
		loaded = []string{}
	}
	s.respondJSON(w, http.StatusOK, models.HealthResponse{
		Status:       "ok",
		LoadedModels: loaded,
		Device:       s.svc.DefaultDevice(),
	})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req models.EmbedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("embed request", zap.String("model", req.Model), zap.Int("inputs", len(req.Input)))

	res, err := s.svc.Embed(r.Context(), req.Model, req.Input, "")
	if err != nil {
		status := models.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("embed failed", zap.String("model", req.Model), zap.Error(err))
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, models.EmbedResponse{
		Model:      req.Model,
		Dimension:  res.Dimension,
		Embeddings: res.Embeddings,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.svc.Statuses(true)
	if err != nil {
		s.logger.Error("list models failed", zap.Error(err))
		s.respondError(w, models.HTTPStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"models": statuses})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if !s.svc.Unload(alias) {
		s.respondError(w, http.StatusNotFound, "model not loaded: "+alias)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"alias": alias, "status": "unloaded"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, models.ErrorResponse{Error: message})
}
