package server

import (
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"lms-notifier/pkg/notifier"
)

var (
	nameRegex  = regexp.MustCompile(`^[A-Za-z0-9._@+\-]{1,128}$`)
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

func validName(name string) bool {
	return nameRegex.MatchString(name)
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

type identityRequest struct {
	Email    string `json:"email"`
	Locale   string `json:"locale"`
	Interval string `json:"interval"`
	Status   int    `json:"status"`
}

func (s *Server) handlePutIdentity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	var req identityRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email != "" && !isValidEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if req.Interval != "" && !s.intervals.IsEnabled(req.Interval) {
		writeError(w, http.StatusBadRequest, "unknown interval")
		return
	}
	if req.Status == 0 {
		req.Status = notifier.StatusActive
	}

	id := &notifier.Identity{
		Name:     name,
		Email:    req.Email,
		Locale:   req.Locale,
		Interval: req.Interval,
		Status:   req.Status,
	}
	if err := s.identities.SaveIdentity(r.Context(), id); err != nil {
		s.logger.Error("Failed to save identity", "identity", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save identity")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handlePutInterval(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Interval string `json:"interval"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !s.intervals.IsEnabled(req.Interval) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "unknown interval",
			"enabled": s.intervals.Enabled(),
		})
		return
	}
	err := s.identities.SetInterval(r.Context(), name, req.Interval)
	if errors.Is(err, notifier.ErrNotFound) {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to set interval", "identity", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to set interval")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"identity": name, "interval": req.Interval})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	if _, err := s.identities.Identity(r.Context(), name); errors.Is(err, notifier.ErrNotFound) {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	} else if err != nil {
		s.logger.Error("Failed to load identity", "identity", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	subs, err := s.registry.SubscriptionsOf(r.Context(), name)
	if err != nil {
		s.logger.Error("Failed to list subscriptions", "identity", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if subs == nil {
		subs = []*notifier.Subscriber{}
	}
	writeJSON(w, http.StatusOK, subs)
}
