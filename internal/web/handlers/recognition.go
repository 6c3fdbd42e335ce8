package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RecognitionHandler controls the recognition session.
type RecognitionHandler struct {
	svc       Service
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewRecognitionHandler creates a new recognition handler
func NewRecognitionHandler(svc Service, logger *zap.Logger) *RecognitionHandler {
	return &RecognitionHandler{svc: svc, logger: logger}
}

// StartRecognitionRequest overrides session settings; omitted fields keep
// the configured values.
type StartRecognitionRequest struct {
	DeviceIndex         *int `json:"device_index"`
	ConfidenceThreshold *int `json:"confidence_threshold"`
	CooldownSeconds     *int `json:"cooldown_seconds"`
	TickIntervalMS      *int `json:"tick_interval_ms"`
}

// Status returns the system status.
func (h *RecognitionHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Status())
}

// Start starts a recognition session.
func (h *RecognitionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRecognitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := h.svc.RecognitionConfig()
	if req.DeviceIndex != nil {
		cfg.DeviceIndex = *req.DeviceIndex
	}
	if req.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.CooldownSeconds != nil {
		cfg.CooldownSeconds = *req.CooldownSeconds
	}
	if req.TickIntervalMS != nil {
		cfg.TickIntervalMS = *req.TickIntervalMS
	}

	if _, err := h.svc.StartRecognition(r.Context(), cfg); err != nil {
		h.logger.Warn("failed to start recognition", zap.Error(err))
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.svc.Status())
}

// Stop stops the recognition session. Stopping an idle system succeeds.
func (h *RecognitionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.svc.StopRecognition()
	respondJSON(w, http.StatusOK, h.svc.Status())
}

// Events streams recognition events as server-sent events.
func (h *RecognitionHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()
	streamSSEEvents(w, r, events, h.svc.Status(), h.keepAlive)
}
