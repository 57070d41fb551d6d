// internal/report/handler.go
package report

import (
	"net/http"

	"cuhkszlibrary/internal/respond"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) HandleTrackInventory(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.Inventory(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	if lines == nil {
		lines = []InventoryLine{}
	}
	respond.JSON(w, http.StatusOK, lines)
}

func (h *Handler) HandleGenerateReports(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.Overdue(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	if loans == nil {
		loans = []OverdueLoan{}
	}
	respond.JSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleOverdueSweep(w http.ResponseWriter, r *http.Request) {
	marked, err := h.service.SweepOverdue(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	if marked == nil {
		marked = []OverdueLoan{}
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"msg":    "Overdue sweep completed.",
		"marked": marked,
	})
}
