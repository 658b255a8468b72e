package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/its-billboard/billboard-agent/internal/ota"
	"github.com/its-billboard/billboard-agent/internal/sensor"
	"github.com/its-billboard/billboard-agent/internal/service"
)

type result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type otaStatus struct {
	OTA     ota.State      `json:"ota"`
	Brokers service.Status `json:"brokers"`
}

type airQualityResponse struct {
	sensor.AirQuality
	Reading sensor.Reading `json:"reading"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// refresh forces a disconnect/reconnect cycle. It runs on the server context
// so the redial loop outlives the request.
func (s *Server) refresh(w http.ResponseWriter, _ *http.Request) {
	err := s.conn.Refresh(s.ctx)
	switch {
	case errors.Is(err, service.ErrNotInitialized):
		writeJSON(w, http.StatusOK, result{Success: false, Message: err.Error()})
	case err != nil:
		s.logger.Printf("Refresh failed: %v", err)
		writeJSON(w, http.StatusBadGateway, result{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, result{Success: true})
	}
}

func (s *Server) airQuality(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, airQualityResponse{AirQuality: sensor.Classify(snap, s.thresholds), Reading: snap})
}

func (s *Server) otaStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, otaStatus{OTA: s.updater.State(), Brokers: s.conn.Status()})
}

// otaReset accepts an optional {"reason": "..."} body.
func (s *Server) otaReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, result{Message: "invalid body"})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, result{Message: "invalid json"})
			return
		}
	}
	if err := s.updater.TriggerReset(req.Reason); err != nil {
		writeJSON(w, http.StatusConflict, result{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, result{Success: true, Message: "reset started"})
}
