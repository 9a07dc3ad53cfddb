package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sauron-health/dispenser/internal/models"
	"github.com/sauron-health/dispenser/internal/schedule"
	"github.com/sauron-health/dispenser/internal/store"
)

// requireMethod rejects requests with the wrong verb. Returns false when the
// request was already answered.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		slog.Warn("Server: method not allowed", "path", r.URL.Path, "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// writeOpResponse maps a controller operation response onto the wire. A
// rejected operation is still HTTP 200: the outcome lives in the ok field,
// and the snapshot lets the UI re-render correct affordances either way.
func writeOpResponse(w http.ResponseWriter, resp models.OpResponse) {
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOpResponse(w, s.controller.Status(r.Context()))
}

func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	users := s.controller.ListUsers(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"users": users}))
}

func (s *Server) startMonitoringHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeOpResponse(w, s.controller.StartMonitoring(r.Context()))
}

func (s *Server) distanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		DistanceM float64 `json:"distance_m"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.distanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	writeOpResponse(w, s.controller.UpdateDistance(r.Context(), req.DistanceM))
}

func (s *Server) recognitionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var result models.RecognitionResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		slog.Warn("Server.recognitionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	writeOpResponse(w, s.controller.SetRecognitionResult(r.Context(), result))
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	writeOpResponse(w, s.controller.RegisterNewUser(r.Context(), req))
}

func (s *Server) overrideHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		Mode     string `json:"mode"`
		Channels []int  `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.overrideHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	override := schedule.Override{
		Enabled:  true,
		Mode:     req.Mode,
		Channels: req.Channels,
	}
	writeOpResponse(w, s.controller.ManualOverrideDispense(r.Context(), req.UserID, override))
}

func (s *Server) stopAdviceHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeOpResponse(w, s.controller.StopAdvice(r.Context()))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	writeOpResponse(w, s.controller.Reset(r.Context()))
}

func (s *Server) dispenseRecordHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		UserID     string `json:"user_id"`
		Medication string `json:"medication"`
		Result     string `json:"result"`
		Details    string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.dispenseRecordHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	writeOpResponse(w, s.controller.RecordDispense(r.Context(), req.UserID, req.Medication, req.Result, req.Details))
}

func (s *Server) dispenseLogHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	events, err := s.controller.DispenseLog(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("Server.dispenseLogHandler: failed to list dispense events", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read dispense log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"events": events}))
}

func (s *Server) sessionLogHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	summaries, err := s.controller.SessionLog(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("Server.sessionLogHandler: failed to list session summaries", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read session log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"sessions": summaries}))
}

func (s *Server) adviceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.adviceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	writeOpResponse(w, s.controller.AdviceRequest(r.Context(), req.UserID))
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.DefaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return store.DefaultListLimit
	}
	return limit
}
