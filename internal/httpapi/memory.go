package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mnemo/internal/auth"
	"github.com/ent0n29/mnemo/internal/memory"
)

const (
	defaultFactLimit   = 100
	defaultThreadLimit = 50
)

type factsResponse struct {
	UserID        string                 `json:"userId"`
	Count         int                    `json:"count"`
	Memories      []memory.Fact          `json:"memories"`
	Conversations []memory.ThreadSummary `json:"conversations"`
}

type clearResponse struct {
	UserID       string `json:"userId"`
	DeletedCount int    `json:"deletedCount"`
}

type threadResponse struct {
	ThreadID string        `json:"threadId"`
	UserID   string        `json:"userId,omitempty"`
	Messages []memory.Turn `json:"messages"`
}

type threadsResponse struct {
	UserID  string                 `json:"userId"`
	Threads []memory.ThreadSummary `json:"threads"`
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, defaultFactLimit)
	if !ok {
		return
	}
	facts, err := s.store.ListFacts(r.Context(), userID, limit)
	if err != nil {
		s.respondReadError(w, "list_facts", err)
		return
	}
	threads, err := s.store.ListThreads(r.Context(), userID, defaultThreadLimit)
	if err != nil {
		s.respondReadError(w, "list_threads", err)
		return
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	if threads == nil {
		threads = []memory.ThreadSummary{}
	}
	respondJSON(w, http.StatusOK, factsResponse{
		UserID:        userID,
		Count:         len(facts),
		Memories:      facts,
		Conversations: threads,
	})
}

func (s *Server) handleClearFacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	deleted, err := s.store.ClearFacts(r.Context(), userID)
	if err != nil {
		s.respondReadError(w, "clear_facts", err)
		return
	}
	s.logger.Info("memory cleared", "user_id", userID, "deleted", deleted)
	respondJSON(w, http.StatusOK, clearResponse{UserID: userID, DeletedCount: deleted})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUser(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, defaultThreadLimit)
	if !ok {
		return
	}
	threads, err := s.store.ListThreads(r.Context(), userID, limit)
	if err != nil {
		s.respondReadError(w, "list_threads", err)
		return
	}
	if threads == nil {
		threads = []memory.ThreadSummary{}
	}
	respondJSON(w, http.StatusOK, threadsResponse{UserID: userID, Threads: threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store not configured")
		return
	}
	threadID := strings.TrimSpace(chi.URLParam(r, "threadId"))
	if threadID == "" {
		respondError(w, http.StatusBadRequest, "invalid_thread_id", "missing thread id")
		return
	}
	p, _ := auth.FromContext(r.Context())
	owner, ok := auth.EffectiveUser(p, r.URL.Query().Get("userId"))
	if !ok {
		respondError(w, http.StatusForbidden, "forbidden", "userId does not match the authenticated user")
		return
	}

	turns, err := s.store.GetThreadTurns(r.Context(), threadID, owner)
	if err != nil {
		s.respondReadError(w, "get_thread", err)
		return
	}
	respondJSON(w, http.StatusOK, threadResponse{ThreadID: threadID, UserID: owner, Messages: turns})
}

// pathUser resolves the {userId} path parameter against the caller and
// writes the error response when it cannot be used.
func (s *Server) pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "memory store not configured")
		return "", false
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return "", false
	}
	p, _ := auth.FromContext(r.Context())
	if _, ok := auth.EffectiveUser(p, userID); !ok {
		respondError(w, http.StatusForbidden, "forbidden", "cannot access another user's memory")
		return "", false
	}
	return userID, true
}

func (s *Server) respondReadError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	err = fmt.Errorf("%w: %w", memory.ErrUnavailable, err)
	s.logger.Warn("memory read failed", "op", op, "err", err)
	respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
}

func limitParam(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
