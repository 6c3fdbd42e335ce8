package enrollment

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/facedetect"
	"github.com/kozaktomas/rollcall/internal/persons"
	"github.com/kozaktomas/rollcall/internal/samples"
)

func noisy(seed int64) *image.Gray {
	r := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
	}
	return img
}

func flat() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// fakeProducer cycles through frames. A nil frame yields a snapshot error.
type fakeProducer struct {
	mu     sync.Mutex
	frames []image.Image
	calls  int
}

func (p *fakeProducer) Snapshot() (camera.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img := p.frames[p.calls%len(p.frames)]
	p.calls++
	if img == nil {
		return camera.Frame{}, errors.New("read failed")
	}
	return camera.Frame{Image: img, Seq: uint64(p.calls), CapturedAt: time.Now()}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractBest(img image.Image) (*facedetect.Face, bool) {
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, false
	}
	return &facedetect.Face{Box: gray.Bounds(), Crop: gray, Source: gray}, true
}

type failingModel struct{}

func (failingModel) IncrementalAdd(string, []*image.Gray) error {
	return errors.New("disk full")
}

type fixture struct {
	store    *samples.Store
	model    *classifier.Classifier
	registry *persons.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := samples.NewStore(filepath.Join(dir, "faces"), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	model, err := classifier.New(filepath.Join(dir, "model"), classifier.Options{}, nil)
	if err != nil {
		t.Fatalf("classifier.New failed: %v", err)
	}
	registry, err := persons.Open(filepath.Join(dir, "persons.json"))
	if err != nil {
		t.Fatalf("persons.Open failed: %v", err)
	}
	return fixture{store: store, model: model, registry: registry}
}

func (f fixture) controller(producer FrameProducer, opts ...Option) *Controller {
	opts = append([]Option{WithGap(time.Millisecond)}, opts...)
	return NewController(producer, fakeExtractor{}, f.store, f.model, f.registry, opts...)
}

func (f fixture) assertNothingPersisted(t *testing.T) {
	t.Helper()
	if n, _ := f.store.Count("alice"); n != 0 {
		t.Errorf("expected no samples on disk, got %d", n)
	}
	if f.model.Ready() {
		t.Error("classifier must not have been extended")
	}
	if _, err := f.registry.Get("alice"); !errors.Is(err, persons.ErrNotFound) {
		t.Errorf("person must not be registered, got %v", err)
	}
}

func TestRequired(t *testing.T) {
	tests := []struct {
		target, expected int
	}{
		{3, 3},
		{4, 3},
		{5, 3},
		{8, 4},
		{10, 5},
	}
	for _, tt := range tests {
		if got := Required(tt.target); got != tt.expected {
			t.Errorf("Required(%d) = %d, want %d", tt.target, got, tt.expected)
		}
	}
}

func TestCapture_Happy(t *testing.T) {
	f := newFixture(t)
	producer := &fakeProducer{frames: []image.Image{noisy(1), noisy(2), noisy(3)}}

	var progress []Progress
	res, err := f.controller(producer).Capture(context.Background(), "alice", "Alice Smith", 5, func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if res.PersonID != "alice" || res.SamplesWritten != 5 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(progress) != 5 || progress[4].Collected != 5 || progress[4].Target != 5 {
		t.Errorf("unexpected progress %+v", progress)
	}

	if n, _ := f.store.Count("alice"); n != 5 {
		t.Errorf("expected 5 samples on disk, got %d", n)
	}
	if !f.model.Ready() {
		t.Fatal("classifier not ready after enrollment")
	}
	if _, ok := f.model.Labels().Lookup("alice"); !ok {
		t.Error("alice missing from label table")
	}
	p, err := f.registry.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Alice Smith" || p.SampleCount != 5 {
		t.Errorf("unexpected person %+v", p)
	}

	pred, err := f.model.Predict(noisy(2))
	if err != nil {
		t.Fatal(err)
	}
	if pred.PersonID != "alice" {
		t.Errorf("expected alice, got %+v", pred)
	}
}

func TestCapture_QualityRejections(t *testing.T) {
	f := newFixture(t)
	producer := &fakeProducer{frames: []image.Image{flat(), noisy(1), nil, image.NewRGBA(image.Rect(0, 0, 4, 4))}}

	var rejected []string
	_, err := f.controller(producer, WithMaxAttempts(8)).Capture(context.Background(), "alice", "", 5, func(p Progress) {
		if p.Rejected != "" {
			rejected = append(rejected, p.Rejected)
		}
	})
	if !errors.Is(err, ErrNotEnoughSamples) {
		t.Fatalf("expected ErrNotEnoughSamples, got %v", err)
	}
	expected := []string{facedetect.RejectBlur, RejectNoFace, RejectNoFace, facedetect.RejectBlur, RejectNoFace, RejectNoFace}
	if len(rejected) != len(expected) {
		t.Fatalf("rejections = %v, want %v", rejected, expected)
	}
	for i := range expected {
		if rejected[i] != expected[i] {
			t.Errorf("rejection %d = %s, want %s", i, rejected[i], expected[i])
		}
	}
	f.assertNothingPersisted(t)
}

func TestCapture_PartialSuccess(t *testing.T) {
	f := newFixture(t)
	producer := &fakeProducer{frames: []image.Image{flat(), noisy(1), noisy(2)}}

	// Six attempts yield four good samples, enough for a target of 5.
	res, err := f.controller(producer, WithMaxAttempts(6)).Capture(context.Background(), "alice", "", 5, nil)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if res.SamplesWritten != 4 {
		t.Errorf("expected 4 samples, got %d", res.SamplesWritten)
	}
	if n, _ := f.store.Count("alice"); n != 4 {
		t.Errorf("expected 4 files, got %d", n)
	}
}

func TestCapture_CancelledBeforeTarget(t *testing.T) {
	f := newFixture(t)
	producer := &fakeProducer{frames: []image.Image{noisy(1)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const target = 5
	start := time.Now()
	_, err := f.controller(producer, WithGap(50*time.Millisecond)).Capture(ctx, "alice", "", target, func(p Progress) {
		if p.Collected == target-1 {
			cancel()
		}
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// Four gaps at most; the last one is cut short by the cancellation.
	if elapsed := time.Since(start); elapsed > 3*50*time.Millisecond+time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
	f.assertNothingPersisted(t)
}

func TestCapture_InvalidInput(t *testing.T) {
	f := newFixture(t)
	c := f.controller(&fakeProducer{frames: []image.Image{noisy(1)}})

	if _, err := c.Capture(context.Background(), "bad_id", "", 5, nil); !errors.Is(err, samples.ErrInvalidPersonID) {
		t.Errorf("expected ErrInvalidPersonID, got %v", err)
	}
	for _, target := range []int{0, -1, 1, 2, 51} {
		if _, err := c.Capture(context.Background(), "alice", "", target, nil); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("target %d: expected ErrInvalidTarget, got %v", target, err)
		}
	}
}

func TestCapture_RollbackOnModelFailure(t *testing.T) {
	f := newFixture(t)
	producer := &fakeProducer{frames: []image.Image{noisy(1)}}
	c := NewController(producer, fakeExtractor{}, f.store, failingModel{}, f.registry, WithGap(0))

	if _, err := c.Capture(context.Background(), "alice", "", 3, nil); err == nil {
		t.Fatal("expected error from model update")
	}
	f.assertNothingPersisted(t)
}

func TestCapture_CameraClosed(t *testing.T) {
	f := newFixture(t)
	c := NewController(closedProducer{}, fakeExtractor{}, f.store, f.model, f.registry)
	if _, err := c.Capture(context.Background(), "alice", "", 3, nil); !errors.Is(err, camera.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

type closedProducer struct{}

func (closedProducer) Snapshot() (camera.Frame, error) {
	return camera.Frame{}, camera.ErrClosed
}

