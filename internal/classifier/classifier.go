// Package classifier maps normalized face crops to person ids. It owns the
// LBPH model and the label table and persists both under one model
// directory.
//
// Readers never lock: Predict works on an immutable snapshot published
// through an atomic pointer. Writers serialize on a mutex, build a new
// snapshot and swap it in after it has been saved.
package classifier

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/lbph"
	"github.com/kozaktomas/rollcall/internal/samples"
)

var (
	// ErrInsufficientData is returned by Train for fewer than two persons or samples.
	ErrInsufficientData = errors.New("insufficient training data")
	// ErrModelCorrupt is returned by Load when the blob and label table disagree.
	ErrModelCorrupt = errors.New("classifier model is corrupt")
	// ErrNoModel is returned when no trained model is available.
	ErrNoModel = errors.New("no trained classifier model")
)

// Prediction is the nearest enrolled person for a face crop.
type Prediction struct {
	Label    int
	PersonID string
	// Distance is the raw chi-square distance; lower is more similar.
	Distance float64
}

// Confidence converts the distance to the 0-100 scale used by the
// recognition policy: max(0, 100 - distance).
func (p Prediction) Confidence() float64 {
	return math.Max(0, 100-p.Distance)
}

// TrainResult reports what a training run consumed.
type TrainResult struct {
	Samples int `json:"samples"`
	Persons int `json:"persons"`
}

type snapshot struct {
	model *lbph.Model
	table LabelTable
}

// Options configures a Classifier.
type Options struct {
	Params lbph.Params
	// IndexThreshold enables approximate HNSW search for models with at
	// least that many samples. Zero keeps search exact.
	IndexThreshold int
}

// Classifier is safe for concurrent use.
type Classifier struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// New creates a classifier persisting to dir. No model is loaded.
func New(dir string, opts Options, logger *zap.Logger) (*Classifier, error) {
	if opts.Params == (lbph.Params{}) {
		opts.Params = lbph.DefaultParams()
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{dir: dir, opts: opts, logger: logger}, nil
}

// Dir returns the model directory.
func (c *Classifier) Dir() string {
	return c.dir
}

// Ready reports whether a model is loaded.
func (c *Classifier) Ready() bool {
	return c.current.Load() != nil
}

// Labels returns a copy of the current label table, or nil without a model.
func (c *Classifier) Labels() LabelTable {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	return snap.table.Clone()
}

// Predict returns the nearest person for a normalized face crop.
func (c *Classifier) Predict(crop *image.Gray) (Prediction, error) {
	snap := c.current.Load()
	if snap == nil {
		return Prediction{}, ErrNoModel
	}
	label, dist, err := snap.model.Predict(crop)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to predict: %w", err)
	}
	personID, ok := snap.table[label]
	if !ok {
		return Prediction{}, fmt.Errorf("%w: label %d missing from label table", ErrModelCorrupt, label)
	}
	return Prediction{Label: label, PersonID: personID, Distance: dist}, nil
}

// Train builds a new model from scratch. Labels are assigned contiguously in
// order of first appearance. The model is saved before it is published.
func (c *Classifier) Train(entries []samples.Entry) (TrainResult, error) {
	persons := countPersons(entries)
	if persons < 2 || len(entries) < 2 {
		return TrainResult{Samples: len(entries), Persons: persons},
			fmt.Errorf("%w: %d samples of %d persons", ErrInsufficientData, len(entries), persons)
	}
	return c.Rebuild(entries)
}

// Rebuild is Train without the minimum size check. It is used after persons
// are deleted; an empty sample set removes the model.
func (c *Classifier) Rebuild(entries []samples.Entry) (TrainResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(entries) == 0 {
		if err := removeModel(c.dir); err != nil {
			return TrainResult{}, err
		}
		c.current.Store(nil)
		c.logger.Info("classifier cleared, no samples left")
		return TrainResult{}, nil
	}

	model, err := lbph.New(c.opts.Params)
	if err != nil {
		return TrainResult{}, err
	}
	table := make(LabelTable)
	labelOf := make(map[string]int)
	images := make([]*image.Gray, len(entries))
	labels := make([]int, len(entries))
	for i, e := range entries {
		label, ok := labelOf[e.PersonID]
		if !ok {
			label = len(labelOf)
			labelOf[e.PersonID] = label
			table[label] = e.PersonID
		}
		images[i] = e.Crop
		labels[i] = label
	}
	if err := model.Update(images, labels); err != nil {
		return TrainResult{}, fmt.Errorf("failed to train: %w", err)
	}
	model.SetIndexThreshold(c.opts.IndexThreshold)

	snap := &snapshot{model: model, table: table}
	if err := save(c.dir, snap); err != nil {
		return TrainResult{}, err
	}
	c.current.Store(snap)

	result := TrainResult{Samples: len(entries), Persons: len(table)}
	c.logger.Info("classifier trained",
		zap.Int("samples", result.Samples),
		zap.Int("persons", result.Persons),
		zap.Bool("indexed", model.Indexed()))
	return result, nil
}

// IncrementalAdd extends the current model with crops of one person without
// retraining. A new person gets the next free label. Without a model a new
// one is started. The extended model is saved before it is published.
func (c *Classifier) IncrementalAdd(personID string, crops []*image.Gray) error {
	if len(crops) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var model *lbph.Model
	table := make(LabelTable)
	if cur := c.current.Load(); cur != nil {
		model = cur.model.Clone()
		table = cur.table.Clone()
	} else {
		m, err := lbph.New(c.opts.Params)
		if err != nil {
			return err
		}
		m.SetIndexThreshold(c.opts.IndexThreshold)
		model = m
	}

	label, ok := table.Lookup(personID)
	if !ok {
		label = table.Next()
		table[label] = personID
	}
	labels := make([]int, len(crops))
	for i := range labels {
		labels[i] = label
	}
	if err := model.Update(crops, labels); err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}

	snap := &snapshot{model: model, table: table}
	if err := save(c.dir, snap); err != nil {
		return err
	}
	c.current.Store(snap)

	c.logger.Info("classifier extended",
		zap.String("person_id", personID),
		zap.Int("label", label),
		zap.Int("samples", len(crops)))
	return nil
}

// Save writes the current model to dir.
func (c *Classifier) Save(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.current.Load()
	if snap == nil {
		return ErrNoModel
	}
	return save(dir, snap)
}

// Load reads a model from dir and publishes it. On ErrModelCorrupt the
// classifier drops any loaded model so recognition stays disabled until the
// next training run.
func (c *Classifier) Load(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := load(dir)
	if err != nil {
		if errors.Is(err, ErrModelCorrupt) {
			c.current.Store(nil)
			c.logger.Warn("classifier model is corrupt, recognition disabled until retrain",
				zap.String("path", dir), zap.Error(err))
		}
		return err
	}
	snap.model.SetIndexThreshold(c.opts.IndexThreshold)
	c.current.Store(snap)

	c.logger.Info("classifier loaded",
		zap.String("path", dir),
		zap.Int("samples", snap.model.Len()),
		zap.Int("persons", len(snap.table)))
	return nil
}

func countPersons(entries []samples.Entry) int {
	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.PersonID] = true
	}
	return len(seen)
}
