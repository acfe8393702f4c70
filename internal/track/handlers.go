package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/common"
	"github.com/noah-isme/backend-tracking/internal/obs"
)

func countAPIRequest(endpoint, result string) {
	if obs.TrackAPIRequestsTotal != nil {
		obs.TrackAPIRequestsTotal.WithLabelValues(endpoint, result).Inc()
	}
}

// Handler exposes the tracking HTTP surface.
type Handler struct {
	Orchestrator *Orchestrator
	Validate     *validator.Validate
}

// NewHandler builds a Handler around the orchestrator.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{Orchestrator: o, Validate: validator.New()}
}

// Mount attaches the tracking routes to the router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/track", h.TrackOne)
	r.Post("/track/batch", h.TrackBatch)
	r.Post("/track/multi", h.TrackMulti)
	r.Get("/carriers", h.Carriers)
	r.Get("/validate", h.ValidateNumber)
}

type trackOneRequest struct {
	Carrier        string `json:"carrier" validate:"required"`
	TrackingNumber string `json:"trackingNumber" validate:"required,min=8,max=40"`
}

// TrackOne resolves a single tracking number.
func (h *Handler) TrackOne(w http.ResponseWriter, r *http.Request) {
	var req trackOneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	name, err := carrier.Parse(req.Carrier)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	result, err := h.Orchestrator.TrackOne(r.Context(), name, req.TrackingNumber)
	if err != nil {
		h.renderError(w, "track", name, err)
		return
	}
	countAPIRequest("track", "ok")
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

type trackBatchRequest struct {
	Carrier         string   `json:"carrier" validate:"required"`
	TrackingNumbers []string `json:"trackingNumbers" validate:"required,min=1,max=100,dive,min=8,max=40"`
}

// TrackBatch resolves a list of numbers for one carrier.
func (h *Handler) TrackBatch(w http.ResponseWriter, r *http.Request) {
	var req trackBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	name, err := carrier.Parse(req.Carrier)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if limit := name.BatchLimit(); limit > 0 && len(req.TrackingNumbers) > limit {
		common.JSONError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("too many tracking numbers for %s: maximum allowed is %d", name, limit), nil)
		return
	}
	results, err := h.Orchestrator.TrackBatch(r.Context(), name, req.TrackingNumbers)
	if err != nil {
		h.renderError(w, "track_batch", name, err)
		return
	}
	countAPIRequest("track_batch", "ok")
	common.JSON(w, http.StatusOK, map[string]any{"data": results})
}

type trackMultiRequest struct {
	Shipments []trackOneRequest `json:"shipments" validate:"required,min=1,max=100,dive"`
}

// TrackMulti resolves a mixed-carrier request list in input order.
func (h *Handler) TrackMulti(w http.ResponseWriter, r *http.Request) {
	var req trackMultiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	requests := make([]carrier.Request, 0, len(req.Shipments))
	for _, shipment := range req.Shipments {
		name, err := carrier.Parse(shipment.Carrier)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		requests = append(requests, carrier.Request{Carrier: name, TrackingNumber: shipment.TrackingNumber})
	}
	results, err := h.Orchestrator.Track(r.Context(), requests)
	if err != nil {
		h.renderError(w, "track_multi", "", err)
		return
	}
	countAPIRequest("track_multi", "ok")
	common.JSON(w, http.StatusOK, map[string]any{"data": results})
}

// Carriers lists the registered carriers and their batching characteristics.
func (h *Handler) Carriers(w http.ResponseWriter, r *http.Request) {
	type carrierInfo struct {
		Carrier    carrier.Carrier `json:"carrier"`
		BatchLimit int             `json:"batchLimit"`
		ChunkSize  int             `json:"chunkSize"`
	}
	var infos []carrierInfo
	for _, name := range h.Orchestrator.Carriers() {
		infos = append(infos, carrierInfo{
			Carrier:    name,
			BatchLimit: name.BatchLimit(),
			ChunkSize:  name.ChunkSize(),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": infos})
}

// ValidateNumber checks a tracking number's format without any network I/O.
func (h *Handler) ValidateNumber(w http.ResponseWriter, r *http.Request) {
	name, err := carrier.Parse(r.URL.Query().Get("carrier"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	number := r.URL.Query().Get("trackingNumber")
	if number == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "trackingNumber is required", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"carrier":        name,
			"trackingNumber": number,
			"valid":          h.Orchestrator.ValidateNumber(name, number),
		},
	})
}

func (h *Handler) renderError(w http.ResponseWriter, endpoint string, name carrier.Carrier, err error) {
	countAPIRequest(endpoint, "error")
	if errors.Is(err, ErrCarrierNotConfigured) {
		if obs.CarrierUnavailableTotal != nil && name != "" {
			obs.CarrierUnavailableTotal.WithLabelValues(string(name)).Inc()
		}
		common.JSONError(w, http.StatusNotImplemented, "CARRIER_NOT_CONFIGURED", err.Error(), nil)
		return
	}
	var authErr *carrier.AuthenticationError
	if errors.As(err, &authErr) {
		common.JSONError(w, http.StatusBadGateway, "CARRIER_AUTH_FAILED", authErr.Error(), nil)
		return
	}
	common.JSONError(w, http.StatusBadGateway, "CARRIER_ERROR", err.Error(), nil)
}
