package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/core"
)

type Task struct {
	mgr *core.Manager
}

func NewTask(mgr *core.Manager) *Task {
	return &Task{mgr: mgr}
}

func (h *Task) List(w http.ResponseWriter, r *http.Request) {
	response.WriteList(w, h.mgr.Tasks())
}

func (h *Task) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, ok := h.mgr.Task(id)
	if !ok {
		response.WriteError(w, http.StatusNotFound, "task "+id+" not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, info)
}

// Watch returns the ids currently polled for a settled status.
func (h *Task) Watch(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.mgr.Watching())
}

// Snapshot returns the periodically refreshed instance list.
func (h *Task) Snapshot(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.mgr.Snapshot())
}

func (h *Task) Sync(w http.ResponseWriter, r *http.Request) {
	t := h.mgr.Resync()
	response.WriteAccepted(w, t.ID(), t.Name())
}

func (h *Task) Preload(w http.ResponseWriter, r *http.Request) {
	t := h.mgr.Preload()
	response.WriteAccepted(w, t.ID(), t.Name())
}
