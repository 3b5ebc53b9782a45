package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/advisor"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// AdviseRequest is the body of recommend and compare
type AdviseRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

// DeadlineRequest is the body of the deadline lookup
type DeadlineRequest struct {
	Question string `json:"question"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	SessionID string       `json:"session_id"`
	History   []state.Turn `json:"history"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	history, err := h.svc.History(r.Context(), id)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	if history == nil {
		history = []state.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, History: history})
}

func (h *Handler) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req AdviseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.svc.Recommend(r.Context(), req.Prompt, req.SessionID)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req AdviseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.svc.Compare(r.Context(), req.Prompt, req.SessionID)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeadline(w http.ResponseWriter, r *http.Request) {
	var req DeadlineRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.DeadlineLookup(r.Context(), req.Question)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeRunError maps service errors onto status codes
func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("kind", state.Kind(err)), zap.Error(err))
	}
	writeError(w, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, advisor.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case advisor.IsSessionError(err):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decode reads exactly one JSON object
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON: trailing data")
	}
	return nil
}
