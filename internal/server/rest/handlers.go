// Package rest is the dashboard-facing HTTP API: system snapshots, alert
// control, emergency-contact management, persisted history, runtime
// settings, and the MJPEG relay for live camera previews.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evacnet/guardian/internal/fleet"
	"github.com/evacnet/guardian/internal/state"
	"github.com/evacnet/guardian/internal/store"
)

const (
	defaultDetectionLimit = 20
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 500
	maxSettingsBody       = 1 << 20

	// videoFrameInterval paces the MJPEG relay at roughly 20 frames per
	// second regardless of how fast cameras produce frames.
	videoFrameInterval = 50 * time.Millisecond

	defaultCameraID = "esp32_cam_0"
)

// ErrUnknownCamera reports a video feed request for a camera id that was
// never registered and has never produced a frame.
var ErrUnknownCamera = errors.New("unknown camera")

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Config wires the Server's collaborators. State is required. A nil
// optional collaborator disables its endpoints: mutations answer 503,
// reads degrade to empty data where that is safe.
type Config struct {
	Logger   *slog.Logger
	State    State
	Backend  Persistence
	Control  Control
	Fleet    Fleet
	Vision   Vision
	Frames   Frames
	Settings Settings
	Metrics  http.Handler
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	log      *slog.Logger
	state    State
	backend  Persistence
	control  Control
	fleet    Fleet
	vision   Vision
	frames   Frames
	settings Settings
	metrics  http.Handler
	started  time.Time
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:      logger.With(slog.String("component", "rest")),
		state:    cfg.State,
		backend:  cfg.Backend,
		control:  cfg.Control,
		fleet:    cfg.Fleet,
		vision:   cfg.Vision,
		frames:   cfg.Frames,
		settings: cfg.Settings,
		metrics:  cfg.Metrics,
		started:  time.Now(),
	}
}

// limitParam parses the "limit" query parameter, falling back to def and
// clamping to max. Malformed or non-positive values are reported as ok=false.
func limitParam(r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, false
	}
	if limit > max {
		limit = max
	}
	return limit, true
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// at its zero value, matching clients that POST without a payload.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleHealthz responds to GET /healthz.
//
// This endpoint returns HTTP 200 with a simple JSON body so load balancers
// and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Read endpoints ──────────────────────────────────────────────────────────

// statusResponse is the full-state document served by GET /api/status: the
// snapshot the dashboard renders plus operational counters and uptime.
type statusResponse struct {
	state.Snapshot
	Counters state.Counters `json:"counters"`
	Uptime   float64        `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot: s.state.Snapshot(),
		Counters: s.state.Counters(),
		Uptime:   time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Sensor())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.state.Devices()
	if devices == nil {
		devices = []state.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// workerInfo is one /api/workers row: the live fleet record plus the
// operator-assigned classification persisted by /api/cluster/classify.
type workerInfo struct {
	fleet.Worker
	Classification string `json:"classification,omitempty"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	infos := []workerInfo{}
	if s.fleet != nil {
		classifications := map[string]string{}
		if s.backend != nil {
			var err error
			classifications, err = s.backend.WorkerClassifications(r.Context())
			if err != nil {
				s.log.Warn("worker classifications unavailable", slog.Any("error", err))
				classifications = map[string]string{}
			}
		}
		for _, wk := range s.fleet.Workers() {
			infos = append(infos, workerInfo{
				Worker:         wk,
				Classification: classifications[wk.ID],
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": infos})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r, defaultDetectionLimit, maxHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	detections := s.state.Detections(limit)
	if detections == nil {
		detections = []state.Detection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": detections})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.AlertStatus())
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r, defaultDetectionLimit, maxHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	history := s.state.AlertHistory(limit)
	if history == nil {
		history = []state.AlertTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleAccessCode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"access_code": s.state.AccessCode()})
}

func (s *Server) handleGetContacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.GsmContacts())
}

// handleHistory responds to GET /api/history with persisted detection rows,
// newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not available")
		return
	}
	limit, ok := limitParam(r, defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	rows, err := s.backend.DetectionHistory(r.Context(), limit)
	if err != nil {
		s.log.Error("detection history query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if rows == nil {
		rows = []store.DetectionRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings not available")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.CurrentSettings())
}

// ─── Mutations ───────────────────────────────────────────────────────────────

type alertRequest struct {
	Alert  *int   `json:"alert"`
	Reason string `json:"reason"`
}

// handleSetAlert responds to POST /api/alert: an operator-selected level,
// applied through the control engine so the LED strip and audit trail stay
// in step. Returns the resulting alert status.
func (s *Server) handleSetAlert(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "control engine not available")
		return
	}
	var req alertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Alert == nil {
		writeError(w, http.StatusBadRequest, "'alert' is required")
		return
	}
	level := state.AlertLevel(*req.Alert)
	if !level.Valid() {
		writeError(w, http.StatusBadRequest, "invalid alert value (0-4)")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "Manual"
	}

	s.control.ManualAlert(level, reason)
	writeJSON(w, http.StatusOK, s.state.AlertStatus())
}

type evacuateRequest struct {
	ExitZone int `json:"exit_zone"`
}

func (s *Server) handleEvacuate(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "control engine not available")
		return
	}
	var req evacuateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	zone := s.control.SetEvacuateMode(req.ExitZone)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "evacuation_triggered",
		"exit_zone": zone,
	})
}

func (s *Server) handleSafe(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "control engine not available")
		return
	}
	s.control.SetSafeMode()
	writeJSON(w, http.StatusOK, map[string]string{"status": "safe_mode_set"})
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

// handleVerifyCode responds to POST /api/verify_code, the pairing check used
// by the public portal. A mismatch is 401, not 400: the request is well
// formed, the code is wrong.
func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeBody(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "'code' is required")
		return
	}
	if !s.state.VerifyAccessCode(req.Code) {
		writeError(w, http.StatusUnauthorized, "invalid access code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// handleAddContact responds to POST /api/gsm/contacts: persist first, then
// update the live contact set so a write failure never leaves a contact the
// next boot will forget.
func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not available")
		return
	}
	var c state.GsmContact
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if c.Mode != "sms" && c.Mode != "call" {
		writeError(w, http.StatusBadRequest, "'mode' must be \"sms\" or \"call\"")
		return
	}
	if c.Number == "" {
		writeError(w, http.StatusBadRequest, "'number' is required")
		return
	}
	if c.Category == "" {
		c.Category = "general"
	}

	if err := s.backend.AddContact(r.Context(), c); err != nil {
		s.log.Error("contact persist failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to persist contact")
		return
	}
	s.state.AddGsmContact(c)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not available")
		return
	}
	number := chi.URLParam(r, "number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "'number' is required")
		return
	}
	if err := s.backend.DeleteContact(r.Context(), number); err != nil {
		s.log.Error("contact delete failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete contact")
		return
	}
	s.state.DeleteGsmContact(number)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type manualTriggerRequest struct {
	ActionType string `json:"action_type"`
	Details    string `json:"details"`
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var req manualTriggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "'action_type' is required")
		return
	}
	s.state.TriggerManualAction(req.ActionType, req.Details)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "action_queued",
		"type":   req.ActionType,
	})
}

type classifyRequest struct {
	DeviceID       string `json:"device_id"`
	Classification string `json:"classification"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not available")
		return
	}
	var req classifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.DeviceID == "" || req.Classification == "" {
		writeError(w, http.StatusBadRequest, "'device_id' and 'classification' are required")
		return
	}
	if err := s.backend.SetWorkerClassification(r.Context(), req.DeviceID, req.Classification); err != nil {
		s.log.Error("classification persist failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to persist classification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings not available")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if _, err := s.settings.UpdateSettings(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type cameraRequest struct {
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

// handleRegisterCamera responds to POST /api/cameras/register: point the
// vision pipeline at the camera's MJPEG endpoint and mark the device
// connected.
func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	if s.vision == nil {
		writeError(w, http.StatusServiceUnavailable, "vision pipeline not available")
		return
	}
	var req cameraRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.DeviceID == "" || req.IP == "" {
		writeError(w, http.StatusBadRequest, "'device_id' and 'ip' are required")
		return
	}

	source := fmt.Sprintf("http://%s:81/stream", req.IP)
	if err := s.vision.AddCamera(req.DeviceID, source); err != nil {
		writeError(w, http.StatusServiceUnavailable, "vision pipeline not available")
		return
	}
	s.state.UpdateDevice(req.DeviceID, "esp32_cam", true, req.IP)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"device_id": req.DeviceID,
	})
}

// ─── MJPEG relay ─────────────────────────────────────────────────────────────

// handleVideoFeed responds to GET /api/video_feed: a multipart/x-mixed-replace
// stream of the latest annotated frame for the requested camera, repeated at
// ~20 Hz until the client disconnects.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeError(w, http.StatusServiceUnavailable, "vision pipeline not available")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = defaultCameraID
	}
	if !s.knownCamera(id) {
		writeError(w, http.StatusNotFound, ErrUnknownCamera.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(videoFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame, ok := s.frames.Get(id)
			if !ok {
				continue
			}
			if _, err := io.WriteString(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// knownCamera reports whether id names a registered camera or one that has
// already produced a frame. A registered camera with no frame yet still
// streams (empty until the first frame lands), matching dashboard reconnect
// behaviour.
func (s *Server) knownCamera(id string) bool {
	if _, ok := s.frames.Get(id); ok {
		return true
	}
	if s.vision == nil {
		return false
	}
	for _, c := range s.vision.Cameras() {
		if c == id {
			return true
		}
	}
	return false
}
