package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kozaktomas/rollcall/internal/app"
	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/enrollment"
	"github.com/kozaktomas/rollcall/internal/persons"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/kozaktomas/rollcall/internal/samples"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Service is what the handlers need from the application.
type Service interface {
	Status() app.Status
	RecognitionConfig() recognition.Config
	StartRecognition(ctx context.Context, cfg recognition.Config) (*recognition.Handle, error)
	StopRecognition()
	Subscribe() (<-chan recognition.Event, func())
	Enroll(ctx context.Context, personID, displayName string, target int, onProgress func(enrollment.Progress)) (enrollment.Result, error)
	Retrain() (classifier.TrainResult, error)
	MarkManual(ctx context.Context, personID string) (attendance.Decision, error)
	DeletePerson(personID string) (int, error)
	Persons() []persons.Person
	Attendance(ctx context.Context, date string) ([]attendance.Record, error)
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a domain error to its HTTP status.
func respondServiceError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs),
		errors.Is(err, samples.ErrInvalidPersonID),
		errors.Is(err, enrollment.ErrInvalidTarget),
		errors.Is(err, app.ErrInvalidDate):
		return http.StatusBadRequest
	case errors.Is(err, persons.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recognition.ErrAlreadyRunning),
		errors.Is(err, recognition.ErrRecognitionDisabled),
		errors.Is(err, camera.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, classifier.ErrInsufficientData),
		errors.Is(err, enrollment.ErrNotEnoughSamples):
		return http.StatusUnprocessableEntity
	case errors.Is(err, enrollment.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
