// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/export"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/router"
)

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// ChatListResponse is returned by GET /v1/chats.
type ChatListResponse struct {
	Chats         []model.Chat `json:"chats"`
	CurrentChatID string       `json:"currentChatId,omitempty"`
}

// RenameRequest is the body of PATCH /v1/chats/{id}.
type RenameRequest struct {
	Title string `json:"title"`
}

// AttachmentPayload carries one file. Data is base64 in JSON.
type AttachmentPayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// SendRequest is the body of POST /v1/chats/{id}/messages.
type SendRequest struct {
	Text        string              `json:"text"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
}

// FileError reports an attachment that could not be read.
type FileError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// SendResponse is returned when a message is accepted.
type SendResponse struct {
	*assistant.SendResult
	FileErrors []FileError `json:"fileErrors,omitempty"`
}

// MessagesResponse is returned by GET /v1/chats/{id}/messages.
type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	Loading  bool            `json:"loading"`
	JobID    string          `json:"jobId,omitempty"`
}

// LifecycleRequest updates the app state used to gate stream events.
// Omitted fields are left unchanged.
type LifecycleRequest struct {
	Foreground    *bool `json:"foreground,omitempty"`
	ScreenVisible *bool `json:"screenVisible,omitempty"`
}

// LifecycleResponse reports the resulting state.
type LifecycleResponse struct {
	Foreground    bool `json:"foreground"`
	ScreenVisible bool `json:"screenVisible"`
}

// SettingsPayload is the settings resource. Omitted fields are left
// unchanged on PATCH.
type SettingsPayload struct {
	NotificationsEnabled *bool   `json:"notificationsEnabled,omitempty"`
	Theme                *string `json:"theme,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Language    string  `json:"language"`
	PendingJobs int     `json:"pendingJobs"`
	Uptime      float64 `json:"uptimeSeconds"`
}

// ============================================================================
// CHATS
// ============================================================================

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	repo := s.svc.Repo()
	resp := ChatListResponse{Chats: repo.ListChats(r.Context())}
	if resp.Chats == nil {
		resp.Chats = []model.Chat{}
	}
	if id, ok := repo.CurrentChatID(r.Context()); ok {
		resp.CurrentChatID = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.svc.Repo().CreateChat(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.svc.Repo().GetChat(r.Context(), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		writeError(w, http.StatusBadRequest, "title is too long")
		return
	}

	id := r.PathValue("id")
	repo := s.svc.Repo()
	if err := repo.UpdateChatTitle(r.Context(), id, title); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	chat, ok := repo.GetChat(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Repo().DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Repo().SelectChat(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MESSAGES
// ============================================================================

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc.Repo().GetChat(r.Context(), id); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	stored := s.svc.Repo().LoadMessages(r.Context(), id)
	resp := MessagesResponse{Messages: make([]model.Message, 0, len(stored))}
	for _, m := range stored {
		if !model.IsTemporary(m.ID) {
			resp.Messages = append(resp.Messages, m)
		}
	}
	if job, pending := s.svc.Jobs().Pending(id); pending {
		resp.Loading = true
		resp.JobID = job.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport renders a chat transcript. The theme query parameter
// overrides the stored theme for HTML.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chat, ok := s.svc.Repo().GetChat(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := export.DefaultOptions()
	opts.Theme = string(s.svc.Settings().Theme(r.Context()))
	if q := r.URL.Query().Get("theme"); q != "" {
		theme, err := assistant.ParseTheme(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Theme = string(theme)
	}
	exp, err := export.New(format, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := export.NewTranscript(chat, s.svc.Repo().LoadMessages(r.Context(), id), s.svc.Language())
	data, err := exp.Export(t)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(t, exp)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Text) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "message is too long")
		return
	}

	attachments := make([]model.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		if strings.TrimSpace(a.Name) == "" {
			writeError(w, http.StatusBadRequest, "attachment name is required")
			return
		}
		attachments = append(attachments, model.Attachment{Name: a.Name, MimeType: a.MimeType, Data: a.Data})
	}

	res, err := s.svc.Send(r.Context(), r.PathValue("id"), req.Text, attachments)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := SendResponse{SendResult: res}
	for _, fe := range res.FileErrors {
		resp.FileErrors = append(resp.FileErrors, FileError{Name: fe.Name, Error: fe.Err.Error()})
	}
	s.logger.Debug("message accepted",
		zap.String("chat_id", res.ChatID), zap.String("job_id", res.JobID), zap.String("role", string(res.Role)))
	writeJSON(w, http.StatusAccepted, resp)
}

// ============================================================================
// APP STATE
// ============================================================================

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Foreground != nil {
		s.svc.SetForeground(*req.Foreground)
	}
	if req.ScreenVisible != nil {
		s.svc.SetScreenVisible(*req.ScreenVisible)
	}
	m := s.svc.Jobs()
	writeJSON(w, http.StatusOK, LifecycleResponse{Foreground: m.Foreground(), ScreenVisible: m.ScreenVisible()})
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	personas := s.svc.Personas()
	if personas == nil {
		personas = []router.Persona{}
	}
	writeJSON(w, http.StatusOK, personas)
}

func (s *Server) currentSettings(r *http.Request) SettingsPayload {
	st := s.svc.Settings()
	enabled := st.NotificationsEnabled(r.Context())
	theme := string(st.Theme(r.Context()))
	return SettingsPayload{NotificationsEnabled: &enabled, Theme: &theme}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings(r))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	var theme assistant.Theme
	if req.Theme != nil {
		t, err := assistant.ParseTheme(*req.Theme)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		theme = t
	}

	st := s.svc.Settings()
	if req.NotificationsEnabled != nil {
		if err := st.SetNotificationsEnabled(r.Context(), *req.NotificationsEnabled); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if theme != "" {
		if err := st.SetTheme(r.Context(), theme); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.currentSettings(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, j := range s.svc.Jobs().Jobs() {
		if !j.Status.IsTerminal() {
			pending++
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     Version,
		Language:    s.svc.Language(),
		PendingJobs: pending,
		Uptime:      time.Since(s.started).Seconds(),
	})
}
