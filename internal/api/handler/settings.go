package handler

import (
	"errors"
	"net/http"

	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/core"
)

type Settings struct {
	mgr *core.Manager
}

func NewSettings(mgr *core.Manager) *Settings {
	return &Settings{mgr: mgr}
}

// Get returns the stored settings with secrets masked.
func (h *Settings) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.mgr.Settings(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, s.Redacted())
}

func (h *Settings) Update(w http.ResponseWriter, r *http.Request) {
	var req request.UpdateSettings
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.mgr.UpdateSettings(r.Context(), req.Patch())
	if err != nil {
		response.WriteError(w, credentialStatus(err), err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, s.Redacted())
}

// Validate checks a key pair against the remote without saving it. An empty
// body checks the stored credentials.
func (h *Settings) Validate(w http.ResponseWriter, r *http.Request) {
	var req request.ValidateCredentials
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.mgr.ValidateCredentials(r.Context(), req.Credentials()); err != nil {
		response.WriteError(w, credentialStatus(err), err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// credentialStatus reports a key pair the remote refused as a bad request;
// the caller sent it.
func credentialStatus(err error) int {
	var cerr *cloud.Error
	if errors.Is(err, core.ErrCredentialsRejected) && errors.As(err, &cerr) && cerr.Kind == cloud.KindAuth {
		return http.StatusBadRequest
	}
	if errors.Is(err, core.ErrCredentialsRejected) {
		return statusFor(err)
	}
	return http.StatusInternalServerError
}
