package wireserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/wire"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := historystore.Query{
		Search:       q.Get("search"),
		NameContains: q.Get("name_contains"),
		State:        historystore.RunState(q.Get("state")),
		ToolUsed:     q.Get("tool_used"),
		Sort:         historystore.SortField(q.Get("sort")),
		Order:        historystore.SortOrder(q.Get("order")),
	}
	if v, err := strconv.Atoi(q.Get("min_total_tokens")); err == nil {
		query.MinTotalTokens = v
	}
	if v, err := strconv.ParseInt(q.Get("created_after"), 10, 64); err == nil {
		query.CreatedAfter = v
	}
	if v, err := strconv.ParseInt(q.Get("created_before"), 10, 64); err == nil {
		query.CreatedBefore = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		query.Limit = v
	} else {
		query.Limit = historystore.DefaultSessionsLimit
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		query.Offset = v
	}

	summaries, total, limit, offset, err := s.sessions.HistoryStore().ListSessions(query)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, wire.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.GetHistoricalSession(id)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, wire.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	limit := historystore.DefaultMessagesLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = v
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	role := historystore.Role(q.Get("role"))

	messages, total, err := s.sessions.HistoryStore().GetMessages(id, limit, offset, role)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, wire.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": toHistoricalMessages(messages),
		"total":    total,
	})
}

func (s *Server) handleResumeHandle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, err := s.sessions.ResumeHandle(id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotResumable):
			writeAPIError(w, http.StatusConflict, "NOT_RESUMABLE", "session never produced a resume handle")
		case errors.Is(err, historystore.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, wire.ErrCodeNotFound, err.Error())
		default:
			writeAPIError(w, http.StatusInternalServerError, wire.ErrCodeInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resume_handle": handle})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.sessions.Remove(r.Context(), id, wire.ReasonKilled); err != nil {
		writeAPIError(w, http.StatusInternalServerError, wire.ErrCodeInternal, err.Error())
		return
	}
	if err := s.sessions.HistoryStore().DeleteSession(id); err != nil {
		if errors.Is(err, historystore.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, wire.ErrCodeNotFound, err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, wire.ErrCodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
