// internal/notification/handler.go
package notification

import (
	"net/http"

	"cuhkszlibrary/internal/auth"
	"cuhkszlibrary/internal/respond"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// HandleSend lets a librarian write to any user's inbox.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  int64  `json:"user_id"`
		Message string `json:"message"`
	}
	if !respond.Decode(w, r, &req) {
		return
	}

	id, err := h.service.Send(r.Context(), req.UserID, req.Message)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusCreated, map[string]interface{}{
		"msg":             "Notification sent successfully.",
		"notification_id": id,
	})
}

func (h *Handler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		respond.Msg(w, http.StatusBadRequest, "Invalid user ID.")
		return
	}

	items, err := h.service.Inbox(r.Context(), id.UserID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if items == nil {
		items = []Notification{}
	}
	respond.JSON(w, http.StatusOK, items)
}

func (h *Handler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		respond.Msg(w, http.StatusBadRequest, "Invalid user ID.")
		return
	}
	notificationID, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.MarkRead(r.Context(), caller.UserID, notificationID); err != nil {
		respond.Error(w, err)
		return
	}
	respond.Msg(w, http.StatusOK, "Notification marked as read.")
}
