package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleIngestMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/messages/{msgID}/cancel", s.handleCancel)

	return withCORS(mux)
}

// withCORS permits browser clients of the local daemon.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	type providerInfo struct {
		ID           string           `json:"id"`
		DefaultModel string           `json:"default_model"`
		Models       []provider.Model `json:"models"`
	}

	var out []providerInfo
	for _, id := range s.router.Providers() {
		b, ok := s.router.Get(id)
		if !ok {
			continue
		}
		out = append(out, providerInfo{
			ID:           b.Name(),
			DefaultModel: b.DefaultModel(),
			Models:       b.Models(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type createConversationRequest struct {
	Title        string `json:"title,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv := &models.Conversation{
		Title:        req.Title,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Origin:       models.OriginAPI,
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.logger.Error("create conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := conversation.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := r.URL.Query().Get("origin"); v != "" {
		opts.Origin = models.Origin(v)
	}

	convs, err := s.store.ListConversations(r.Context(), opts)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type ingestRequest struct {
	Content  string               `json:"content"`
	Provider string               `json:"provider,omitempty"`
	Model    string               `json:"model,omitempty"`
	Thinking models.ThinkingLevel `json:"thinking,omitempty"`
}

type ingestResponse struct {
	ConversationID     string `json:"conversation_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// handleIngestMessage accepts a user message and returns 202 immediately;
// generation runs detached and is observed via the stream socket or by
// polling the persisted assistant message.
func (s *Server) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if _, err := s.store.GetConversation(r.Context(), convID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	user := &models.Message{
		ConversationID: convID,
		Role:           models.RoleUser,
		Status:         models.StatusComplete,
		Content:        req.Content,
		Origin:         models.OriginAPI,
	}
	if err := s.store.AppendMessage(r.Context(), user); err != nil {
		s.logger.Error("persist user message failed", "conversation_id", convID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	placeholder := &models.Message{
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Status:         models.StatusPending,
		Origin:         models.OriginAPI,
	}
	if err := s.store.AppendMessage(r.Context(), placeholder); err != nil {
		s.logger.Error("persist placeholder failed", "conversation_id", convID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	s.metrics.MessagesIngested.Inc()
	s.orch.Schedule(orchestrator.Request{
		ConversationID:     convID,
		AssistantMessageID: placeholder.ID,
		Provider:           req.Provider,
		Model:              req.Model,
		ThinkingLevel:      req.Thinking,
		Origin:             models.OriginAPI,
	})

	writeJSON(w, http.StatusAccepted, ingestResponse{
		ConversationID:     convID,
		UserMessageID:      user.ID,
		AssistantMessageID: placeholder.ID,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.orch.Cancel(r.PathValue("id"), r.PathValue("msgID"), "cancelled by client request")
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
