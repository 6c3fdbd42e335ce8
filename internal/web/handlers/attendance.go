package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
)

// AttendanceHandler serves attendance records.
type AttendanceHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewAttendanceHandler creates a new attendance handler
func NewAttendanceHandler(svc Service, logger *zap.Logger) *AttendanceHandler {
	return &AttendanceHandler{svc: svc, logger: logger}
}

// AttendanceListResponse is the attendance of one date.
type AttendanceListResponse struct {
	Date    string              `json:"date"`
	Records []attendance.Record `json:"records"`
}

// List returns the records of ?date=YYYY-MM-DD, today when omitted.
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.svc.Status().Today
	}
	records, err := h.svc.Attendance(r.Context(), date)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	respondJSON(w, http.StatusOK, AttendanceListResponse{Date: date, Records: records})
}

// ManualMarkRequest names the person to mark present.
type ManualMarkRequest struct {
	PersonID string `json:"person_id"`
}

// ManualMarkResponse reports the outcome of a manual mark.
type ManualMarkResponse struct {
	Accepted bool               `json:"accepted"`
	Reason   string             `json:"reason,omitempty"`
	Record   *attendance.Record `json:"record,omitempty"`
}

// Mark records a person as present. A duplicate is not an error; the
// response reports it.
func (h *AttendanceHandler) Mark(w http.ResponseWriter, r *http.Request) {
	var req ManualMarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PersonID == "" {
		respondError(w, http.StatusBadRequest, "person_id is required")
		return
	}

	d, err := h.svc.MarkManual(r.Context(), req.PersonID)
	if err != nil {
		h.logger.Error("manual mark failed", zap.String("person_id", sanitizeForLog(req.PersonID)), zap.Error(err))
		respondServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !d.Accepted {
		status = http.StatusOK
	}
	respondJSON(w, status, ManualMarkResponse{Accepted: d.Accepted, Reason: d.Reason, Record: d.Record})
}
