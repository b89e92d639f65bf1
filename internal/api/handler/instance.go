package handler

import (
	"net/http"

	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/core"
)

type Instance struct {
	mgr *core.Manager
}

func NewInstance(mgr *core.Manager) *Instance {
	return &Instance{mgr: mgr}
}

// List returns the cached live instances, or only those named by the ids
// query parameter, narrowed by the status, region and search parameters. A
// write in progress yields an empty list rather than a wait.
func (h *Instance) List(w http.ResponseWriter, r *http.Request) {
	f := request.ParseInstanceFilter(r)
	if len(f.IDs) > 0 {
		response.WriteList(w, f.Apply(h.mgr.GetInstances(r.Context(), f.IDs)))
		return
	}
	response.WriteList(w, f.Apply(h.mgr.ListInstances(r.Context())))
}

func (h *Instance) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateInstances
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.Create(req.ToTracker())
	response.WriteAccepted(w, t.ID(), t.Name())
}

func (h *Instance) Start(w http.ResponseWriter, r *http.Request) {
	var req request.InstanceIDs
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.Start(req.IDs)
	response.WriteAccepted(w, t.ID(), t.Name())
}

func (h *Instance) Stop(w http.ResponseWriter, r *http.Request) {
	var req request.StopInstances
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.Stop(req.IDs, req.Force)
	response.WriteAccepted(w, t.ID(), t.Name())
}

func (h *Instance) Terminate(w http.ResponseWriter, r *http.Request) {
	var req request.InstanceIDs
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.Terminate(req.IDs)
	response.WriteAccepted(w, t.ID(), t.Name())
}

func (h *Instance) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req request.ResetPassword
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.ResetPassword(req.IDs, req.Password)
	response.WriteAccepted(w, t.ID(), t.Name())
}

// Command sends a script to running instances. The task result names one
// invocation per region; poll /invocations for per-instance output.
func (h *Instance) Command(w http.ResponseWriter, r *http.Request) {
	var req request.RunCommand
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := h.mgr.RunCommand(req.ToTracker())
	response.WriteAccepted(w, t.ID(), t.Name())
}

// Price asks the remote for the cost of a prospective create and waits for
// the answer.
func (h *Instance) Price(w http.ResponseWriter, r *http.Request) {
	var req request.CreateInstances
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	price, err := h.mgr.QueryPrice(req.ToTracker()).Wait(r.Context())
	if err != nil {
		response.WriteError(w, statusFor(err), err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, price)
}
