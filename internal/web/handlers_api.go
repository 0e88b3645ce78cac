package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"homenode/internal/controls"
	"homenode/internal/layout"
	"homenode/internal/node"
	"homenode/internal/registry"
	"homenode/internal/settings"
)

const maxBodyBytes = 4 << 10

type addDeviceRequest struct {
	Name string `json:"name"`
	Pin  *int   `json:"pin"`
}

type controlsBody struct {
	Assistant bool   `json:"assistant"`
	Bus       bool   `json:"bus"`
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
}

type stateRequest struct {
	On *bool `json:"on"`
}

type infoResponse struct {
	Version   string    `json:"version"`
	Mode      node.Mode `json:"mode"`
	StoreSize int       `json:"store_size"`
	Uptime    string    `json:"uptime"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	s.writeJSON(w, http.StatusOK, infoResponse{
		Version:   s.version,
		Mode:      s.node.Mode(),
		StoreSize: s.storeSize,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Hostname:  host,
		StartedAt: s.startedAt.UTC(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.node.Devices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Pin == nil || *req.Pin < 0 || *req.Pin > 255 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pin must be 0-255"})
		return
	}

	if err := s.node.AddDevice(r.Context(), uint8(*req.Pin), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, registry.Device{Pin: uint8(*req.Pin), Name: req.Name})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	name, ok := s.deviceName(w, r)
	if !ok {
		return
	}
	if err := s.node.DeleteDevice(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteAllDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.node.DeleteAllDevices(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetControls(w http.ResponseWriter, r *http.Request) {
	body, err := s.storedControls(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

// storedControls reads the flags and bus record back from the node. The
// record is only meaningful while the bus flag is set; an erased region would
// otherwise show 0xFF garbage.
func (s *Server) storedControls(ctx context.Context) (controlsBody, error) {
	st, cfg, err := s.node.Flags(ctx)
	if err != nil {
		return controlsBody{}, err
	}
	body := controlsBody{Assistant: st.Assistant, Bus: st.Bus}
	if st.Bus {
		body.Host = cfg.Host
		body.Port = cfg.Port
	}
	return body, nil
}

func (s *Server) handleSetControls(w http.ResponseWriter, r *http.Request) {
	var req controlsBody
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	u := settings.Update{
		Assistant:  req.Assistant,
		BusEnabled: req.Bus,
		Bus:        layout.BusConfig{Host: req.Host, Port: req.Port},
	}
	if err := s.node.ApplyFlags(r.Context(), u); err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := s.storedControls(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	name, ok := s.deviceName(w, r)
	if !ok {
		return
	}
	var req stateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	d, err := s.node.SetDevice(r.Context(), name, *req.On)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Restart(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

// deviceName returns the unescaped {name} path segment. chi hands back the
// raw segment when the path carries escapes such as %2F.
func (s *Server) deviceName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device name in path"})
		return "", false
	}
	return name, true
}

// writeError maps node errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, layout.ErrInvalidName), errors.Is(err, settings.ErrInvalidBusConfig):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrFull),
		errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrDuplicatePin),
		errors.Is(err, node.ErrNoBackend):
		status = http.StatusConflict
	case errors.Is(err, controls.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
