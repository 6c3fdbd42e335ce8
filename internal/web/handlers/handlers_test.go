package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/app"
	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/enrollment"
	"github.com/kozaktomas/rollcall/internal/persons"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/kozaktomas/rollcall/internal/samples"
)

type fakeService struct {
	status     app.Status
	startErr   error
	started    *recognition.Config
	stopped    bool
	events     chan recognition.Event
	enrollErr  error
	enrolled   []any
	retrainErr error
	decision   attendance.Decision
	markErr    error
	deleteErr  error
	persons    []persons.Person
	records    []attendance.Record
	dates      []string
}

func (f *fakeService) Status() app.Status { return f.status }

func (f *fakeService) RecognitionConfig() recognition.Config { return recognition.DefaultConfig() }

func (f *fakeService) StartRecognition(_ context.Context, cfg recognition.Config) (*recognition.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f.started = &cfg
	return nil, nil
}

func (f *fakeService) StopRecognition() { f.stopped = true }

func (f *fakeService) Subscribe() (<-chan recognition.Event, func()) {
	return f.events, func() {}
}

func (f *fakeService) Enroll(_ context.Context, personID, displayName string, target int, _ func(enrollment.Progress)) (enrollment.Result, error) {
	f.enrolled = []any{personID, displayName, target}
	if f.enrollErr != nil {
		return enrollment.Result{}, f.enrollErr
	}
	return enrollment.Result{PersonID: personID, SamplesWritten: target}, nil
}

func (f *fakeService) Retrain() (classifier.TrainResult, error) {
	if f.retrainErr != nil {
		return classifier.TrainResult{}, f.retrainErr
	}
	return classifier.TrainResult{Samples: 10, Persons: 2}, nil
}

func (f *fakeService) MarkManual(_ context.Context, personID string) (attendance.Decision, error) {
	return f.decision, f.markErr
}

func (f *fakeService) DeletePerson(personID string) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return 5, nil
}

func (f *fakeService) Persons() []persons.Person { return f.persons }

func (f *fakeService) Attendance(_ context.Context, date string) ([]attendance.Record, error) {
	f.dates = append(f.dates, date)
	if date == "bad" {
		return nil, fmt.Errorf("%w: %q", app.ErrInvalidDate, date)
	}
	return f.records, nil
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRespondJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, http.StatusCreated, map[string]int{"count": 42})

	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("unexpected Content-Type %q", rec.Header().Get("Content-Type"))
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if got := decode[map[string]int](t, rec); got["count"] != 42 {
		t.Errorf("unexpected body %v", got)
	}

	rec = httptest.NewRecorder()
	respondJSON(rec, http.StatusNoContent, nil)
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "ok" {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusForError(t *testing.T) {
	validationErr := recognition.Config{}.Validate()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", validationErr, http.StatusBadRequest},
		{"person id", samples.ErrInvalidPersonID, http.StatusBadRequest},
		{"date", fmt.Errorf("%w: x", app.ErrInvalidDate), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: bob", persons.ErrNotFound), http.StatusNotFound},
		{"running", recognition.ErrAlreadyRunning, http.StatusConflict},
		{"disabled", recognition.ErrRecognitionDisabled, http.StatusConflict},
		{"camera busy", camera.ErrSessionBusy, http.StatusConflict},
		{"insufficient", classifier.ErrInsufficientData, http.StatusUnprocessableEntity},
		{"not enough", enrollment.ErrNotEnoughSamples, http.StatusUnprocessableEntity},
		{"cancelled", enrollment.ErrCancelled, http.StatusRequestTimeout},
		{"device", fmt.Errorf("%w: device 0", camera.ErrDeviceUnavailable), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.expected {
				t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRecognitionHandler_Start(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		startErr       error
		expectedStatus int
		check          func(t *testing.T, cfg *recognition.Config)
	}{
		{
			name:           "defaults",
			body:           "",
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, cfg *recognition.Config) {
				if cfg.ConfidenceThreshold != 70 || cfg.CooldownSeconds != 10 {
					t.Errorf("expected defaults, got %+v", cfg)
				}
			},
		},
		{
			name:           "overrides",
			body:           `{"confidence_threshold": 85, "cooldown_seconds": 30, "tick_interval_ms": 50, "device_index": 1}`,
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, cfg *recognition.Config) {
				if cfg.ConfidenceThreshold != 85 || cfg.CooldownSeconds != 30 || cfg.TickIntervalMS != 50 || cfg.DeviceIndex != 1 {
					t.Errorf("overrides not applied: %+v", cfg)
				}
			},
		},
		{"out of range", `{"confidence_threshold": 20}`, nil, http.StatusBadRequest, nil},
		{"bad json", `{`, nil, http.StatusBadRequest, nil},
		{"no model", "", recognition.ErrRecognitionDisabled, http.StatusConflict, nil},
		{"already running", "", recognition.ErrAlreadyRunning, http.StatusConflict, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{startErr: tt.startErr}
			h := NewRecognitionHandler(svc, zap.NewNop())
			rec := httptest.NewRecorder()
			h.Start(rec, httptest.NewRequest(http.MethodPost, "/api/v1/recognition/start", strings.NewReader(tt.body)))

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.check != nil {
				tt.check(t, svc.started)
			}
		})
	}
}

func TestRecognitionHandler_StopAndStatus(t *testing.T) {
	svc := &fakeService{status: app.Status{State: recognition.StateIdle, ModelReady: true, Persons: 3}}
	h := NewRecognitionHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Stop(rec, httptest.NewRequest(http.MethodPost, "/api/v1/recognition/stop", nil))
	if rec.Code != http.StatusOK || !svc.stopped {
		t.Errorf("stop failed: %d stopped=%v", rec.Code, svc.stopped)
	}

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	st := decode[app.Status](t, rec)
	if st.State != recognition.StateIdle || !st.ModelReady || st.Persons != 3 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRecognitionHandler_Events(t *testing.T) {
	events := make(chan recognition.Event, 2)
	svc := &fakeService{status: app.Status{State: recognition.StateRunning}, events: events}
	h := NewRecognitionHandler(svc, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(h.Events))
	defer srv.Close()

	events <- recognition.Event{Type: recognition.EventAccepted, PersonID: "alice", Confidence: 88, At: time.Now()}
	events <- recognition.Event{Type: recognition.EventUnknown, Confidence: 40, At: time.Now()}
	close(events)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected Content-Type %q", ct)
	}

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if after, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, after)
		}
	}
	expected := []string{"status", "accepted", "unknown"}
	if strings.Join(types, ",") != strings.Join(expected, ",") {
		t.Errorf("event types = %v, want %v", types, expected)
	}
}

func TestAttendanceHandler_List(t *testing.T) {
	rec1 := attendance.NewRecord("alice", time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC), 90, attendance.MethodRecognition)
	svc := &fakeService{status: app.Status{Today: "2024-09-02"}, records: []attendance.Record{rec1}}
	h := NewAttendanceHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attendance", nil))
	resp := decode[AttendanceListResponse](t, rec)
	if resp.Date != "2024-09-02" || len(resp.Records) != 1 || resp.Records[0] != rec1 {
		t.Errorf("unexpected response %+v", resp)
	}

	svc.records = nil
	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attendance?date=2024-09-03", nil))
	if !strings.Contains(rec.Body.String(), `"records":[]`) {
		t.Errorf("expected empty records array, got %s", rec.Body.String())
	}
	if svc.dates[1] != "2024-09-03" {
		t.Errorf("date not passed through: %v", svc.dates)
	}

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attendance?date=bad", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestAttendanceHandler_Mark(t *testing.T) {
	record := attendance.NewRecord("alice", time.Now(), 100, attendance.MethodManual)
	tests := []struct {
		name           string
		body           string
		decision       attendance.Decision
		err            error
		expectedStatus int
	}{
		{"accepted", `{"person_id":"alice"}`, attendance.Decision{Accepted: true, Record: &record}, nil, http.StatusCreated},
		{"duplicate", `{"person_id":"alice"}`, attendance.Decision{Reason: attendance.ReasonDuplicate}, nil, http.StatusOK},
		{"missing id", `{}`, attendance.Decision{}, nil, http.StatusBadRequest},
		{"unknown person", `{"person_id":"zed"}`, attendance.Decision{}, persons.ErrNotFound, http.StatusNotFound},
		{"store failure", `{"person_id":"alice"}`, attendance.Decision{Reason: attendance.ReasonIO}, attendance.ErrStoreWrite, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAttendanceHandler(&fakeService{decision: tt.decision, markErr: tt.err}, zap.NewNop())
			rec := httptest.NewRecorder()
			h.Mark(rec, httptest.NewRequest(http.MethodPost, "/api/v1/attendance/manual", strings.NewReader(tt.body)))
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPersonsHandler(t *testing.T) {
	svc := &fakeService{}
	h := NewPersonsHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}

	req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/persons/bob", nil), map[string]string{"personId": "bob"})
	rec = httptest.NewRecorder()
	h.Delete(rec, req)
	if rec.Code != http.StatusOK || decode[map[string]any](t, rec)["samples_removed"] != float64(5) {
		t.Errorf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}

	svc.deleteErr = fmt.Errorf("%w: bob", persons.ErrNotFound)
	rec = httptest.NewRecorder()
	h.Delete(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestPersonsHandler_Enroll(t *testing.T) {
	svc := &fakeService{}
	h := NewPersonsHandler(svc, zap.NewNop())

	req := requestWithChiParams(
		httptest.NewRequest(http.MethodPost, "/api/v1/persons/alice/enroll", strings.NewReader(`{"display_name":"Alice"}`)),
		map[string]string{"personId": "alice"})
	rec := httptest.NewRecorder()
	h.Enroll(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.enrolled[0] != "alice" || svc.enrolled[1] != "Alice" || svc.enrolled[2] != 5 {
		t.Errorf("unexpected enroll call %v", svc.enrolled)
	}
	if res := decode[enrollment.Result](t, rec); res.SamplesWritten != 5 {
		t.Errorf("unexpected result %+v", res)
	}

	svc.enrollErr = fmt.Errorf("%w: 1 of 3 required", enrollment.ErrNotEnoughSamples)
	rec = httptest.NewRecorder()
	h.Enroll(rec, requestWithChiParams(
		httptest.NewRequest(http.MethodPost, "/api/v1/persons/alice/enroll", nil),
		map[string]string{"personId": "alice"}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestPersonsHandler_Retrain(t *testing.T) {
	svc := &fakeService{}
	h := NewPersonsHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Retrain(rec, httptest.NewRequest(http.MethodPost, "/api/v1/classifier/retrain", nil))
	if res := decode[classifier.TrainResult](t, rec); res.Persons != 2 || res.Samples != 10 {
		t.Errorf("unexpected result %+v", res)
	}

	svc.retrainErr = classifier.ErrInsufficientData
	rec = httptest.NewRecorder()
	h.Retrain(rec, httptest.NewRequest(http.MethodPost, "/api/v1/classifier/retrain", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}
