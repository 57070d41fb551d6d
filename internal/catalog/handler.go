// internal/catalog/handler.go
package catalog

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

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.Search(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	if resources == nil {
		resources = []Resource{}
	}
	respond.JSON(w, http.StatusOK, resources)
}

func (h *Handler) HandleAddResource(w http.ResponseWriter, r *http.Request) {
	var in ResourceInput
	if !respond.Decode(w, r, &in) {
		return
	}

	resource, err := h.service.AddResource(r.Context(), in)
	if err != nil {
		respond.Error(w, err)
		return
	}

	respond.JSON(w, http.StatusCreated, map[string]interface{}{
		"msg":         "Resource added successfully.",
		"resource_id": resource.ID,
	})
}

func (h *Handler) HandleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.ListResources(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	if resources == nil {
		resources = []Resource{}
	}
	respond.JSON(w, http.StatusOK, resources)
}

func (h *Handler) HandleGetResource(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	resource, err := h.service.GetResource(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, resource)
}

func (h *Handler) HandleEditResource(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	var in ResourceInput
	if !respond.Decode(w, r, &in) {
		return
	}

	if _, err := h.service.EditResource(r.Context(), id, in); err != nil {
		respond.Error(w, err)
		return
	}
	respond.Msg(w, http.StatusOK, "Resource updated successfully.")
}

func (h *Handler) HandleDeleteResource(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.RetireResource(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}
	respond.Msg(w, http.StatusOK, "Resource deleted successfully.")
}
