package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/nexfleet/linkd/internal/errors"
	"github.com/nexfleet/linkd/internal/httputil"
	"github.com/nexfleet/linkd/internal/middleware"
	"github.com/nexfleet/linkd/internal/service"
)

type DeviceCodeHandler struct {
	linkService *service.DeviceLinkService
}

func NewDeviceCodeHandler(linkService *service.DeviceLinkService) *DeviceCodeHandler {
	return &DeviceCodeHandler{linkService: linkService}
}

type createCodeRequest struct {
	ClientType string `json:"clientType"`
}

type pollRequest struct {
	Token string `json:"token"`
}

// Create handles POST /device-code: a secondary client requests a pairing
// code and the poll token it will claim the result with.
func (h *DeviceCodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	result, err := h.linkService.Create(r.Context(), req.ClientType, r.RemoteAddr, r.UserAgent())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetInfo handles GET /device-code/{code}: the confirmation screen shown to
// the primary user before they approve or reject the pairing.
func (h *DeviceCodeHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.linkService.GetInfo(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// Authorize handles POST /device-code/{code}/authorize.
func (h *DeviceCodeHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		httputil.WriteError(w, apperrors.Unauthorized("Authentication required"))
		return
	}

	if err := h.linkService.Authorize(r.Context(), chi.URLParam(r, "code"), account.ID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Device authorized"})
}

// Deny handles POST /device-code/{code}/deny.
func (h *DeviceCodeHandler) Deny(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		httputil.WriteError(w, apperrors.Unauthorized("Authentication required"))
		return
	}

	if err := h.linkService.Deny(r.Context(), chi.URLParam(r, "code"), account.ID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Device denied"})
}

// Poll handles POST /device-code/poll: the secondary client claims the
// pairing result with its poll token.
func (h *DeviceCodeHandler) Poll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	result, err := h.linkService.Poll(r.Context(), req.Token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
