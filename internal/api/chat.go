package api

import (
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/promptdev/internal/agent"
	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/identity"
)

type previewRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	Variables map[string]any `json:"variables"`
}

// Chat handles POST /v1/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	req.Tenant = tenantOf(r)
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}
	req.RequestID = chiMiddleware.GetReqID(r.Context())

	if h.deps.Limiter != nil {
		key := req.UserID
		if key == "" {
			key = req.SessionID
		}
		if !h.deps.Limiter.Allow(req.Tenant.String() + ":" + key) {
			h.log.Warn("Chat rate limit exceeded", "tenant", req.Tenant.String(), "user_id", req.UserID)
			JSON(w, http.StatusTooManyRequests, errorBody{
				Error:     "rate limit exceeded, slow down",
				Code:      "rate_limited",
				Retryable: true,
			})
			return
		}
	}

	resp, err := h.deps.Chat.Chat(r.Context(), req)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Preview handles POST /v1/preview. It renders the prompt the next chat turn
// would send without recording the message or calling the model.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var body previewRequest
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		body.UserID = identity.UserIDFromContext(r.Context())
	}
	res, err := h.deps.Assembler.Preview(r.Context(), assembler.Request{
		Tenant:    tenantOf(r),
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Message:   body.Message,
		Extra:     body.Variables,
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
