package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

// maxPayloadSize caps webhook bodies
const maxPayloadSize = 1 << 20

// GitHubReleaseEvent holds the relevant fields of a GitHub release webhook
type GitHubReleaseEvent struct {
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
	} `json:"release"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.reject(w, http.StatusBadRequest, "Invalid content type", "content_type", contentType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.reject(w, http.StatusForbidden, "Invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if eventType == "ping" {
		s.recorder.IncWebhookEvent("ping")
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.ignore(w, "Event type not configured for sync", "event", eventType)
		return
	}

	var event GitHubReleaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.reject(w, http.StatusBadRequest, "Invalid payload", "error", err)
		return
	}

	if !allowed(s.cfg.Serve.AllowedActions, event.Action) {
		s.ignore(w, "Action not configured for sync", "action", event.Action)
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"action", event.Action,
		"tag", event.Release.TagName,
		"repo", event.Repository.FullName)
	s.recorder.IncWebhookEvent("accepted")

	s.Trigger(context.Background(), "webhook")

	_, _ = fmt.Fprintf(w, "Check triggered\n")
}

func (s *Server) reject(w http.ResponseWriter, status int, msg string, args ...any) {
	s.logger.Warn("rejecting webhook: "+strings.ToLower(msg), args...)
	s.recorder.IncWebhookEvent("rejected")
	http.Error(w, msg, status)
}

func (s *Server) ignore(w http.ResponseWriter, msg string, args ...any) {
	s.logger.Info("ignoring webhook: "+strings.ToLower(msg), args...)
	s.recorder.IncWebhookEvent("ignored")
	_, _ = fmt.Fprintln(w, msg)
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether value is in list; an empty list allows everything
func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}
