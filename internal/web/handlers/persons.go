package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/persons"
)

// PersonsHandler manages enrolled persons and the classifier.
type PersonsHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewPersonsHandler creates a new persons handler
func NewPersonsHandler(svc Service, logger *zap.Logger) *PersonsHandler {
	return &PersonsHandler{svc: svc, logger: logger}
}

// List returns every enrolled person.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.svc.Persons()
	if list == nil {
		list = []persons.Person{}
	}
	respondJSON(w, http.StatusOK, list)
}

// Delete removes a person with all samples and rebuilds the classifier.
func (h *PersonsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personId")
	removed, err := h.svc.DeletePerson(personID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.logger.Info("person deleted", zap.String("person_id", sanitizeForLog(personID)), zap.Int("samples", removed))
	respondJSON(w, http.StatusOK, map[string]any{
		"person_id":       personID,
		"samples_removed": removed,
	})
}

// EnrollRequest configures an enrollment.
type EnrollRequest struct {
	DisplayName string `json:"display_name"`
	Samples     int    `json:"samples"`
}

// Enroll captures samples for a person. The request blocks until the
// enrollment finishes; closing the connection cancels it.
func (h *PersonsHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personId")
	var req EnrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Samples == 0 {
		req.Samples = constants.DefaultTargetSamples
	}

	res, err := h.svc.Enroll(r.Context(), personID, req.DisplayName, req.Samples, nil)
	if err != nil {
		h.logger.Warn("enrollment failed", zap.String("person_id", sanitizeForLog(personID)), zap.Error(err))
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// Retrain rebuilds the classifier from the stored samples.
func (h *PersonsHandler) Retrain(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Retrain()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
