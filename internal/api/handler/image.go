package handler

import (
	"net/http"

	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/core"
)

// Image serves custom image creation and command invocation results.
type Image struct {
	mgr *core.Manager
}

func NewImage(mgr *core.Manager) *Image {
	return &Image{mgr: mgr}
}

// Create snapshots a cached instance into a private image.
func (h *Image) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateImage
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.CreateImage(req.ToTracker())
	response.WriteAccepted(w, t.ID(), t.Name())
}

// Invocations reads command results from the remote and waits for them.
func (h *Image) Invocations(w http.ResponseWriter, r *http.Request) {
	q, err := request.ParseInvocationQuery(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.mgr.ListInvocations(q).Wait(r.Context())
	if err != nil {
		response.WriteError(w, statusFor(err), err.Error())
		return
	}
	response.WriteList(w, out)
}
