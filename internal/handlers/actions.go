// Package handlers exposes the action pipeline over HTTP. The transport is a
// thin shell: all admission decisions live in the engine.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/zia/backend/internal/action"
	"github.com/zia/backend/internal/engine"
)

// requesterFrom extracts the requester identity from headers. Authentication
// itself is an upstream concern; missing headers degrade to an anonymous
// user-role requester.
func requesterFrom(r *http.Request) action.Requester {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		id = "anonymous"
	}
	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = "user"
	}
	return action.Requester{ID: id, Role: role}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ExecuteAction handles POST /api/v1/actions/execute.
func ExecuteAction(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req action.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp := eng.ProcessAction(r.Context(), req, requesterFrom(r))
		writeJSON(w, http.StatusOK, resp)
	}
}

// ConfirmRequest is the body for POST /api/v1/actions/confirm.
type ConfirmRequest struct {
	ExecutionID       string `json:"execution_id"`
	ConfirmationToken string `json:"confirmation_token"`
}

// ConfirmAction handles POST /api/v1/actions/confirm.
func ConfirmAction(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ExecutionID == "" || req.ConfirmationToken == "" {
			http.Error(w, "execution_id and confirmation_token are required", http.StatusBadRequest)
			return
		}
		resp := eng.Confirm(r.Context(), req.ExecutionID, req.ConfirmationToken)
		writeJSON(w, http.StatusOK, resp)
	}
}

// RejectRequest is the body for POST /api/v1/actions/reject.
type RejectRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// RejectAction handles POST /api/v1/actions/reject.
func RejectAction(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RejectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ExecutionID == "" {
			http.Error(w, "execution_id is required", http.StatusBadRequest)
			return
		}
		resp := eng.Reject(r.Context(), req.ExecutionID, req.Reason)
		writeJSON(w, http.StatusOK, resp)
	}
}

// EscalateRequest is the body for POST /api/v1/actions/escalate.
type EscalateRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// EscalateAction handles POST /api/v1/actions/escalate.
func EscalateAction(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EscalateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := eng.Escalate(r.Context(), req.ExecutionID, req.Reason); err != nil {
			http.Error(w, "escalation failed", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"execution_id": req.ExecutionID,
			"status":       string(action.StatusEscalated),
		})
	}
}

// ListSchemas handles GET /api/v1/actions/schemas.
func ListSchemas(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schemas := eng.Registry().List()
		writeJSON(w, http.StatusOK, map[string]any{
			"schemas": schemas,
			"total":   len(schemas),
		})
	}
}

// ListPending handles GET /api/v1/actions/pending.
func ListPending(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := eng.Pending()
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"total": len(items),
		})
	}
}

// ListHistory handles GET /api/v1/actions/history for the requesting user.
func ListHistory(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		items := eng.History(requesterFrom(r).ID, limit)
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"total": len(items),
		})
	}
}
