package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"lms-notifier/pkg/notifier"
)

const maxBodyBytes = 64 << 10

type subscribeRequest struct {
	Identity  string                 `json:"identity"`
	Resource  notifier.ResourceKey   `json:"resource"`
	Publisher notifier.PublisherData `json:"publisher"`
}

type newsRequest struct {
	Resource      notifier.ResourceKey `json:"resource"`
	IgnoreNewsFor string               `json:"ignore_news_for"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func validResource(rk notifier.ResourceKey) bool {
	return rk.Name != "" && len(rk.Name) <= 50 && len(rk.SubIdentifier) <= 255
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if !validName(req.Identity) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	if !validResource(req.Resource) || req.Publisher.Type == "" {
		writeError(w, http.StatusBadRequest, "resource and publisher type are required")
		return
	}

	sub, err := s.registry.Subscribe(r.Context(), req.Identity, req.Resource, req.Publisher)
	if errors.Is(err, notifier.ErrResourceGone) {
		writeError(w, http.StatusConflict, "resource was deleted, please retry")
		return
	}
	if err != nil {
		s.logger.Error("Failed to subscribe", "identity", req.Identity, "resource", req.Resource.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if !validName(req.Identity) || !validResource(req.Resource) {
		writeError(w, http.StatusBadRequest, "identity and resource are required")
		return
	}
	if err := s.registry.Unsubscribe(r.Context(), req.Identity, req.Resource); err != nil {
		s.logger.Error("Failed to unsubscribe", "identity", req.Identity, "resource", req.Resource.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	var req newsRequest
	if !decode(w, r, &req) {
		return
	}
	if !validResource(req.Resource) {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}
	found, err := s.registry.MarkPublisherNews(r.Context(), req.Resource, req.IgnoreNewsFor)
	if err != nil {
		s.logger.Error("Failed to mark news", "resource", req.Resource.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark news")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"publisher": found})
}

// resourceQuery reads resource_name and resource_id from the query string.
func resourceQuery(r *http.Request) (string, int64, error) {
	name := r.URL.Query().Get("resource_name")
	id, err := strconv.ParseInt(r.URL.Query().Get("resource_id"), 10, 64)
	if name == "" || err != nil {
		return "", 0, errors.New("resource_name and numeric resource_id are required")
	}
	return name, id, nil
}

func (s *Server) handleDeletePublishers(w http.ResponseWriter, r *http.Request) {
	name, id, err := resourceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.registry.DeletePublishersOf(r.Context(), name, id)
	if err != nil {
		s.logger.Error("Failed to delete publishers", "resource_name", name, "resource_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete publishers")
		return
	}
	s.logger.Info("Publishers deleted", "resource_name", name, "resource_id", id, "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleInvalidatePublishers(w http.ResponseWriter, r *http.Request) {
	name, id, err := resourceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.registry.InvalidatePublishers(r.Context(), name, id)
	if err != nil {
		s.logger.Error("Failed to invalidate publishers", "resource_name", name, "resource_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to invalidate publishers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}
