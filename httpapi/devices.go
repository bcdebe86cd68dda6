package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/qsafevault/qsafevault-server/devices"
	"github.com/qsafevault/qsafevault-server/qverrors"
)

type registerDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

type registerDeviceBody struct {
	Status   string `json:"status"`
	DeviceID string `json:"deviceId"`
	TTLSec   int    `json:"ttlSec"`
}

type listDevicesBody struct {
	Devices []devices.Device `json:"devices"`
}

// deviceRegistry gates the Enterprise surface: outside Enterprise the
// routes behave as if they do not exist.
func (s *Server) deviceRegistry(w http.ResponseWriter) *devices.Registry {
	if !s.cfg.Edition.IsEnterprise || s.cfg.Devices == nil {
		s.writeError(w, qverrors.CodeNotAvailable)
		return nil
	}
	return s.cfg.Devices
}

// handleDevices serves the collection endpoint: POST registers, GET lists.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	reg := s.deviceRegistry(w)
	if reg == nil {
		return
	}
	switch r.Method {
	case http.MethodPost:
		body, ok := s.readBody(w, r, qverrors.CodeMissingDeviceID)
		if !ok {
			return
		}
		var req registerDeviceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, qverrors.CodeMissingDeviceID)
			return
		}
		dev, err := reg.Register(r.Context(), strings.TrimSpace(req.DeviceID), req.Name, req.Platform)
		if err != nil {
			// CAS exhaustion keeps REST conflict semantics here; the
			// 200-with-error shape is reserved for the action endpoint.
			if qverrors.Is(err, qverrors.CodeConcurrencyConflict) {
				s.writeErrorStatus(w, http.StatusConflict, qverrors.CodeConcurrencyConflict)
				return
			}
			s.writeEngineError(w, err)
			return
		}
		s.auditEvent("device_registered", map[string]any{"deviceId": dev.DeviceID})
		s.writeJSON(w, http.StatusOK, registerDeviceBody{
			Status:   "registered",
			DeviceID: dev.DeviceID,
			TTLSec:   int(reg.TTL() / time.Second),
		})
	case http.MethodGet:
		list, err := reg.List(r.Context())
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, listDevicesBody{Devices: list})
	default:
		s.writeError(w, qverrors.CodeMethodNotAllowed)
	}
}

// handleDeviceTree serves /api/v1/devices/{id}: DELETE unregisters.
func (s *Server) handleDeviceTree(w http.ResponseWriter, r *http.Request) {
	reg := s.deviceRegistry(w)
	if reg == nil {
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	if err := reg.Remove(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.auditEvent("device_removed", map[string]any{"deviceId": id})
	w.WriteHeader(http.StatusNoContent)
}
