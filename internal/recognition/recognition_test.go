package recognition

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/facedetect"
)

// Frames are tagged by their first pixel: 0 has no face, any other value is
// one face whose prediction is looked up in fakePredictor.
const (
	tagEmpty   = 0
	tagAlice   = 1
	tagUnknown = 2
	tagEdge    = 3
	tagTwo     = 4
)

func frameOf(tag uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.Pix[0] = tag
	return img
}

type fakeFinder struct{}

func (fakeFinder) Faces(img image.Image) []facedetect.Face {
	gray, ok := img.(*image.Gray)
	if !ok || gray.Pix[0] == tagEmpty {
		return nil
	}
	face := facedetect.Face{Box: gray.Bounds(), Crop: gray, Source: gray}
	if gray.Pix[0] == tagTwo {
		return []facedetect.Face{face, face}
	}
	return []facedetect.Face{face}
}

type fakePredictor struct {
	err   error
	ready bool
}

func (p *fakePredictor) Ready() bool { return p.ready }

func (p *fakePredictor) Predict(crop *image.Gray) (classifier.Prediction, error) {
	if p.err != nil {
		return classifier.Prediction{}, p.err
	}
	switch crop.Pix[0] {
	case tagUnknown:
		return classifier.Prediction{Label: 1, PersonID: "bob", Distance: 60}, nil
	case tagEdge:
		return classifier.Prediction{Label: 0, PersonID: "alice", Distance: 30}, nil
	}
	return classifier.Prediction{Label: 0, PersonID: "alice", Distance: 20}, nil
}

func newGate(t *testing.T) (*attendance.Gate, *attendance.JSONLStore) {
	t.Helper()
	store, err := attendance.OpenJSONL(filepath.Join(t.TempDir(), "attendance.jsonl"), nil)
	if err != nil {
		t.Fatalf("OpenJSONL failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return attendance.NewGate(store, 10*time.Second, nil, attendance.WithLocation(time.UTC)), store
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"threshold low", func(c *Config) { c.ConfidenceThreshold = 49 }, true},
		{"threshold high", func(c *Config) { c.ConfidenceThreshold = 96 }, true},
		{"threshold bounds", func(c *Config) { c.ConfidenceThreshold = 95 }, false},
		{"cooldown zero", func(c *Config) { c.CooldownSeconds = 0 }, true},
		{"cooldown max", func(c *Config) { c.CooldownSeconds = 300 }, false},
		{"tick fast", func(c *Config) { c.TickIntervalMS = 29 }, true},
		{"tick slow", func(c *Config) { c.TickIntervalMS = 201 }, true},
		{"negative device", func(c *Config) { c.DeviceIndex = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPipeline_Scenarios(t *testing.T) {
	gate, store := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true}, gate, 70, nil)
	ctx := context.Background()
	t0 := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

	steps := []struct {
		name       string
		tag        uint8
		at         time.Time
		wantType   EventType
		wantReason string
	}{
		{"first recognition", tagAlice, t0, EventAccepted, ""},
		{"within cooldown", tagAlice, t0.Add(3 * time.Second), EventDropped, attendance.ReasonCooldown},
		{"same day", tagAlice, t0.Add(20 * time.Second), EventDropped, attendance.ReasonDuplicate},
		{"next day", tagAlice, t0.Add(24 * time.Hour), EventAccepted, ""},
		{"unknown face", tagUnknown, t0.Add(25 * time.Hour), EventUnknown, ""},
	}
	for i, step := range steps {
		events, err := p.Process(ctx, camera.Frame{Image: frameOf(step.tag), Seq: uint64(i + 1), CapturedAt: step.at})
		if err != nil {
			t.Fatalf("%s: Process failed: %v", step.name, err)
		}
		if len(events) != 1 {
			t.Fatalf("%s: expected 1 event, got %d", step.name, len(events))
		}
		ev := events[0]
		if ev.Type != step.wantType || ev.Reason != step.wantReason {
			t.Errorf("%s: got %s/%q, want %s/%q", step.name, ev.Type, ev.Reason, step.wantType, step.wantReason)
		}
		if ev.FrameSeq != uint64(i+1) {
			t.Errorf("%s: frame seq %d", step.name, ev.FrameSeq)
		}
	}

	first, err := store.ListByDate(ctx, "2024-09-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 record on day one, got %d", len(first))
	}
	if first[0].PersonID != "alice" || first[0].Method != attendance.MethodRecognition || first[0].Confidence < 70 {
		t.Errorf("unexpected record %+v", first[0])
	}

	second, err := store.ListByDate(ctx, "2024-09-03")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Errorf("expected 1 record on day two, got %d", len(second))
	}
}

func TestPipeline_UnknownConfidence(t *testing.T) {
	gate, store := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true}, gate, 70, nil)
	at := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

	events, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagUnknown), Seq: 1, CapturedAt: at})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != EventUnknown || events[0].Confidence != 40 {
		t.Fatalf("expected unknown(40), got %+v", events)
	}
	if events[0].PersonID != "" {
		t.Error("unknown events must not name a person")
	}
	list, _ := store.ListByDate(context.Background(), "2024-09-02")
	if len(list) != 0 {
		t.Errorf("unknown face must not produce a record, got %d", len(list))
	}
}

func TestPipeline_ThresholdInclusive(t *testing.T) {
	gate, _ := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true}, gate, 70, nil)

	events, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagEdge), Seq: 1, CapturedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != EventAccepted {
		t.Fatalf("confidence equal to threshold must be accepted, got %+v", events)
	}
	if events[0].Record == nil || events[0].Record.Confidence != 70 {
		t.Errorf("unexpected record %+v", events[0].Record)
	}
}

func TestPipeline_ZeroFaces(t *testing.T) {
	gate, _ := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true}, gate, 70, nil)

	events, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagEmpty), Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestPipeline_SamePersonTwice(t *testing.T) {
	gate, _ := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true}, gate, 70, nil)

	events, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagTwo), Seq: 1, CapturedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected one event per face, got %d", len(events))
	}
	if events[0].Type != EventAccepted || events[1].Type != EventDropped || events[1].Reason != attendance.ReasonCooldown {
		t.Errorf("second box of the same person must hit the cooldown: %+v", events)
	}
}

func TestPipeline_ModelGone(t *testing.T) {
	gate, _ := newGate(t)
	p := NewPipeline(fakeFinder{}, &fakePredictor{ready: true, err: classifier.ErrNoModel}, gate, 70, nil)

	_, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagAlice), Seq: 1})
	if !errors.Is(err, classifier.ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}

	p = NewPipeline(fakeFinder{}, &fakePredictor{ready: true, err: errors.New("bad crop")}, gate, 70, nil)
	events, err := p.Process(context.Background(), camera.Frame{Image: frameOf(tagAlice), Seq: 1})
	if err != nil || len(events) != 0 {
		t.Errorf("transient prediction errors are skipped, got %v %+v", err, events)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Type: EventUnknown})
	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventUnknown {
				t.Errorf("unexpected event %+v", ev)
			}
		default:
			t.Fatal("event not delivered")
		}
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("channel must be closed after unsubscribe")
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 listener, got %d", b.Len())
	}

	// A full listener does not block the publisher.
	for range 1000 {
		b.Publish(Event{Type: EventUnknown})
	}
}

type frameDevice struct {
	tag  uint8
	fail atomic.Bool
}

func (d *frameDevice) Read() (image.Image, error) {
	time.Sleep(2 * time.Millisecond)
	if d.fail.Load() {
		return nil, errors.New("read error")
	}
	return frameOf(d.tag), nil
}

func (d *frameDevice) Close() error { return nil }

func deviceOpener(dev camera.Device) camera.Opener {
	return func(index, width, height int) (camera.Device, error) { return dev, nil }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickIntervalMS = 30
	return cfg
}

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("expected event not received")
		}
	}
}

func TestStart_Disabled(t *testing.T) {
	gate, _ := newGate(t)
	_, err := Start(context.Background(), testConfig(), Deps{
		Opener:    deviceOpener(&frameDevice{}),
		Finder:    fakeFinder{},
		Predictor: &fakePredictor{},
		Gate:      gate,
	})
	if !errors.Is(err, ErrRecognitionDisabled) {
		t.Errorf("expected ErrRecognitionDisabled, got %v", err)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	gate, _ := newGate(t)
	cfg := testConfig()
	cfg.ConfidenceThreshold = 10
	if _, err := Start(context.Background(), cfg, Deps{Predictor: &fakePredictor{ready: true}, Gate: gate}); err == nil {
		t.Error("expected config error")
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	gate, _ := newGate(t)
	failing := func(index, width, height int) (camera.Device, error) {
		return nil, errors.New("no device")
	}
	_, err := Start(context.Background(), testConfig(), Deps{
		Opener:    failing,
		Finder:    fakeFinder{},
		Predictor: &fakePredictor{ready: true},
		Gate:      gate,
	})
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestSession_RunAndStop(t *testing.T) {
	gate, store := newGate(t)
	events := NewBroadcaster()
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	deps := Deps{
		Opener:    deviceOpener(&frameDevice{tag: tagAlice}),
		Finder:    fakeFinder{},
		Predictor: &fakePredictor{ready: true},
		Gate:      gate,
		Events:    events,
	}
	h, err := Start(context.Background(), testConfig(), deps)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventState && ev.State == StateWarmingUp })
	waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventState && ev.State == StateRunning })
	accepted := waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventAccepted })
	if accepted.PersonID != "alice" || accepted.Record == nil {
		t.Errorf("unexpected accepted event %+v", accepted)
	}
	waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventDropped && ev.Reason == attendance.ReasonCooldown })

	if gate.Cooldown() != 10*time.Second {
		t.Errorf("gate cooldown not applied: %v", gate.Cooldown())
	}

	if _, err := Start(context.Background(), testConfig(), deps); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
	if h.State() != StateIdle {
		t.Errorf("expected idle after stop, got %s", h.State())
	}
	h.Stop()

	recs, err := store.ListByDate(context.Background(), time.Now().UTC().Format(attendance.DateLayout))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("expected exactly one record, got %d", len(recs))
	}

	// The camera is released, so a new session can start.
	h2, err := Start(context.Background(), testConfig(), deps)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	h2.Stop()
}

func TestSession_DeviceLost(t *testing.T) {
	gate, _ := newGate(t)
	dev := &frameDevice{tag: tagEmpty}
	h, err := Start(context.Background(), testConfig(), Deps{
		Opener:    deviceOpener(dev),
		Finder:    fakeFinder{},
		Predictor: &fakePredictor{ready: true},
		Gate:      gate,
	})
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	dev.fail.Store(true)
	waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventDeviceLost })
	<-h.Done()

	if h.State() != StateFaulted {
		t.Errorf("expected faulted, got %s", h.State())
	}
	if !errors.Is(h.Err(), camera.ErrDeviceLost) {
		t.Errorf("Err() = %v, want ErrDeviceLost", h.Err())
	}
	h.Stop()
	if h.State() != StateFaulted {
		t.Error("Stop must not clear a fault")
	}
	if !h.Reset() || h.State() != StateIdle {
		t.Error("Reset must move a faulted session to idle")
	}
	if h.Reset() {
		t.Error("second Reset must be a no-op")
	}
}

func TestSession_ModelCleared(t *testing.T) {
	gate, _ := newGate(t)
	pred := &fakePredictor{ready: true, err: classifier.ErrNoModel}
	events := NewBroadcaster()
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	h, err := Start(context.Background(), testConfig(), Deps{
		Opener:    deviceOpener(&frameDevice{tag: tagAlice}),
		Finder:    fakeFinder{},
		Predictor: pred,
		Gate:      gate,
		Events:    events,
	})
	if err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, ch, func(ev Event) bool { return ev.Type == EventFaulted })
	if ev.Error == "" {
		t.Error("faulted event must carry the error")
	}
	<-h.Done()
	if h.State() != StateFaulted {
		t.Errorf("expected faulted, got %s", h.State())
	}
}
