// internal/circulation/handler.go
package circulation

import (
	"net/http"
	"time"

	"cuhkszlibrary/internal/auth"
	"cuhkszlibrary/internal/respond"
)

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type resourceRequest struct {
	ResourceID int64 `json:"resource_id"`
}

type borrowingRequest struct {
	BorrowingID int64 `json:"borrowing_id"`
}

func patron(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.UserID <= 0 {
		respond.Msg(w, http.StatusBadRequest, "Invalid user ID.")
		return 0, false
	}
	return id.UserID, true
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	var req resourceRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	if req.ResourceID <= 0 {
		respond.Msg(w, http.StatusBadRequest, "Please provide resource_id.")
		return
	}

	loan, err := h.service.Borrow(r.Context(), patronID, req.ResourceID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"msg":          "Resource borrowed successfully.",
		"borrowing_id": loan.ID,
		"due_date":     formatDate(loan.DueDate),
	})
}

// HandleRenew accepts the borrowing id from the body.
func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	var req borrowingRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	if req.BorrowingID <= 0 {
		respond.Msg(w, http.StatusBadRequest, "Please provide borrowing_id.")
		return
	}
	h.renew(w, r, req.BorrowingID)
}

// HandleRenewByPath accepts the borrowing id from the {borrowingID} path segment.
func (h *Handler) HandleRenewByPath(w http.ResponseWriter, r *http.Request) {
	borrowingID, ok := respond.ID(w, r, "borrowingID")
	if !ok {
		return
	}
	h.renew(w, r, borrowingID)
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request, borrowingID int64) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	loan, err := h.service.Renew(r.Context(), patronID, borrowingID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"msg":          "Borrowing renewed successfully.",
		"new_due_date": formatDate(loan.DueDate),
		"renewals":     loan.Renewals,
	})
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	var req borrowingRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	if req.BorrowingID <= 0 {
		respond.Msg(w, http.StatusBadRequest, "Please provide borrowing_id.")
		return
	}

	loan, err := h.service.Return(r.Context(), patronID, req.BorrowingID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	writeReturned(w, loan)
}

// HandleCheckIn is the librarian variant of HandleReturn; the borrowing id
// comes from the {id} path segment.
func (h *Handler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	borrowingID, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	loan, err := h.service.CheckIn(r.Context(), borrowingID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	writeReturned(w, loan)
}

func writeReturned(w http.ResponseWriter, loan *BorrowingRecord) {
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"msg":         "Resource returned successfully.",
		"return_date": formatOptionalDate(loan.ReturnDate),
	})
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	var req resourceRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	if req.ResourceID <= 0 {
		respond.Msg(w, http.StatusBadRequest, "Please provide resource_id.")
		return
	}

	reservation, err := h.service.Reserve(r.Context(), patronID, req.ResourceID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusCreated, map[string]interface{}{
		"msg":            "Resource reserved successfully.",
		"reservation_id": reservation.ID,
	})
}

func (h *Handler) HandleResolveReservation(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status ReservationStatus `json:"status"`
	}
	if !respond.Decode(w, r, &req) {
		return
	}

	reservation, err := h.service.ResolveReservation(r.Context(), reservationID, req.Status)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"msg":            "Reservation updated successfully.",
		"reservation_id": reservation.ID,
		"status":         reservation.Status,
	})
}

type borrowedItemResponse struct {
	BorrowingID  int64  `json:"borrowing_id"`
	ResourceID   int64  `json:"resource_id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	ISBN         string `json:"isbn"`
	ResourceType string `json:"resource_type"`
	BorrowDate   string `json:"borrow_date"`
	DueDate      string `json:"due_date"`
	Status       Status `json:"status"`
	Renewals     int    `json:"renewals"`
}

func (h *Handler) HandleBorrowedBooks(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	items, err := h.service.ActiveBorrowings(r.Context(), patronID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	out := make([]borrowedItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, borrowedItemResponse{
			BorrowingID:  it.BorrowingID,
			ResourceID:   it.ResourceID,
			Title:        it.Title,
			Author:       it.Author,
			ISBN:         it.ISBN,
			ResourceType: it.ResourceType,
			BorrowDate:   formatDate(it.BorrowDate),
			DueDate:      formatDate(it.DueDate),
			Status:       it.Status,
			Renewals:     it.Renewals,
		})
	}
	respond.JSON(w, http.StatusOK, out)
}

type historyEntryResponse struct {
	BorrowingID int64   `json:"borrowing_id"`
	Title       string  `json:"title"`
	BorrowDate  string  `json:"borrow_date"`
	DueDate     string  `json:"due_date"`
	ReturnDate  *string `json:"return_date"`
	Status      Status  `json:"status"`
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	entries, err := h.service.History(r.Context(), patronID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			BorrowingID: e.BorrowingID,
			Title:       e.Title,
			BorrowDate:  formatDate(e.BorrowDate),
			DueDate:     formatDate(e.DueDate),
			ReturnDate:  formatOptionalDate(e.ReturnDate),
			Status:      e.Status,
		})
	}
	respond.JSON(w, http.StatusOK, out)
}

type reservationResponse struct {
	ReservationID   int64             `json:"reservation_id"`
	ResourceID      int64             `json:"resource_id"`
	Title           string            `json:"title"`
	ReservationDate string            `json:"reservation_date"`
	Status          ReservationStatus `json:"status"`
}

func (h *Handler) HandleReservations(w http.ResponseWriter, r *http.Request) {
	patronID, ok := patron(w, r)
	if !ok {
		return
	}

	views, err := h.service.Reservations(r.Context(), patronID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	out := make([]reservationResponse, 0, len(views))
	for _, v := range views {
		out = append(out, reservationResponse{
			ReservationID:   v.ReservationID,
			ResourceID:      v.ResourceID,
			Title:           v.Title,
			ReservationDate: formatDate(v.ReservationDate),
			Status:          v.Status,
		})
	}
	respond.JSON(w, http.StatusOK, out)
}
