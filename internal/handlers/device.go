package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
)

// DeviceHandler exposes device status snapshots and the buffer-count
// query/update surface.
type DeviceHandler struct {
	Logger   *zap.Logger
	Registry *registry.DeviceRegistry
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(logger *zap.Logger, reg *registry.DeviceRegistry) *DeviceHandler {
	return &DeviceHandler{Logger: logger, Registry: reg}
}

// Routes mounts the device endpoints on a chi router.
func (h *DeviceHandler) Routes(r chi.Router) {
	r.Get("/devices", h.ListDevices)
	r.Get("/devices/{deviceID}", h.GetDevice)
	r.Get("/devices/{deviceID}/buffer", h.GetBufferCount)
	r.Put("/devices/{deviceID}/buffer", h.UpdateBufferCount)
}

// ListDevices returns a snapshot of every tracked device.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	statuses := h.Registry.Statuses()
	out := make([]models.DeviceTaskSnapshot, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, st.Snapshot())
	}
	respondJSON(w, http.StatusOK, out)
}

// GetDevice returns one device snapshot.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	st := h.Registry.Status(deviceID)
	if st == nil {
		http.Error(w, models.ErrDeviceNotFound.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, st.Snapshot())
}

// GetBufferCount returns the current in-flight estimate for a device.
func (h *DeviceHandler) GetBufferCount(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	st := h.Registry.Status(deviceID)
	if st == nil {
		http.Error(w, models.ErrDeviceNotFound.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":       deviceID,
		"in_flight_count": st.Snapshot().InFlightCount,
	})
}

// UpdateBufferCount overwrites the local in-flight estimate, the manual
// counterpart of a device buffer report.
func (h *DeviceHandler) UpdateBufferCount(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	st := h.Registry.Status(deviceID)
	if st == nil {
		http.Error(w, models.ErrDeviceNotFound.Error(), http.StatusNotFound)
		return
	}

	var req struct {
		InFlightCount int64 `json:"in_flight_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InFlightCount < 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.InFlightCount = req.InFlightCount
	})
	h.Logger.Info("Device buffer count updated manually",
		zap.String("device_id", deviceID),
		zap.Int64("in_flight_count", req.InFlightCount))
	respondJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "result": "ok"})
}
