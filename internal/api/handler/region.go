package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/core"
)

type Region struct {
	mgr *core.Manager
}

func NewRegion(mgr *core.Manager) *Region {
	return &Region{mgr: mgr}
}

func (h *Region) List(w http.ResponseWriter, r *http.Request) {
	response.WriteList(w, h.mgr.ListRegions(r.Context()))
}

func (h *Region) Zones(w http.ResponseWriter, r *http.Request) {
	region, err := request.RequireID(chi.URLParam(r, "region"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	response.WriteList(w, h.mgr.ListZones(r.Context(), region))
}

func (h *Region) Images(w http.ResponseWriter, r *http.Request) {
	region, err := request.RequireID(chi.URLParam(r, "region"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	imageType, err := request.ImageType(r.URL.Query().Get("type"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	response.WriteList(w, h.mgr.ListImages(r.Context(), region, imageType))
}
