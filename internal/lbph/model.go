package lbph

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"sort"
)

// ErrEmptyModel is returned by Predict when nothing has been trained.
var ErrEmptyModel = errors.New("lbph model is empty")

// Model stores one spatial histogram per training image together with its
// integer label. A Model is not safe for concurrent mutation; callers clone
// it, mutate the clone and publish the clone.
type Model struct {
	params Params
	labels []int
	hists  [][]float32

	// indexThreshold enables the HNSW index once the model holds at least
	// that many histograms. Zero keeps prediction exact.
	indexThreshold int
	index          *annIndex
	ids            []uint64
}

// New creates an empty model.
func New(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Model{params: p}, nil
}

// Params returns the model parameters.
func (m *Model) Params() Params {
	return m.params
}

// Len returns the number of stored histograms.
func (m *Model) Len() int {
	return len(m.hists)
}

// Labels returns the distinct labels in ascending order.
func (m *Model) Labels() []int {
	seen := make(map[int]bool)
	var out []int
	for _, l := range m.labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

// Indexed reports whether predictions go through the HNSW index.
func (m *Model) Indexed() bool {
	return m.index != nil
}

// Clone returns a copy that can be extended without affecting m.
// Histogram data is immutable and shared.
func (m *Model) Clone() *Model {
	return &Model{
		params:         m.params,
		labels:         slices.Clone(m.labels),
		hists:          slices.Clone(m.hists),
		indexThreshold: m.indexThreshold,
		index:          m.index,
		ids:            slices.Clone(m.ids),
	}
}

// SetIndexThreshold enables approximate search once the model holds at least
// n histograms. Zero or a negative value disables it.
func (m *Model) SetIndexThreshold(n int) {
	if n <= 0 {
		m.indexThreshold = 0
		m.index = nil
		m.ids = nil
		return
	}
	m.indexThreshold = n
	m.maybeBuildIndex()
}

// Update adds training images under the given labels.
func (m *Model) Update(images []*image.Gray, labels []int) error {
	if len(images) != len(labels) {
		return fmt.Errorf("got %d images but %d labels", len(images), len(labels))
	}
	hists := make([][]float32, len(images))
	for i, img := range images {
		h, err := Histogram(img, m.params)
		if err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
		hists[i] = h
	}

	m.labels = append(m.labels, labels...)
	m.hists = append(m.hists, hists...)
	if m.index != nil {
		m.ids = append(m.ids, m.index.add(hists...)...)
	} else {
		m.maybeBuildIndex()
	}
	return nil
}

func (m *Model) maybeBuildIndex() {
	if m.index != nil || m.indexThreshold == 0 || len(m.hists) < m.indexThreshold {
		return
	}
	m.index = newANNIndex()
	m.ids = m.index.add(m.hists...)
}

// Predict returns the label of the nearest stored histogram and its chi-square
// distance. Equal distances resolve to the histogram added first.
func (m *Model) Predict(img *image.Gray) (int, float64, error) {
	if len(m.hists) == 0 {
		return -1, 0, ErrEmptyModel
	}
	query, err := Histogram(img, m.params)
	if err != nil {
		return -1, 0, err
	}

	if m.index != nil {
		if label, dist, ok := m.predictIndexed(query); ok {
			return label, dist, nil
		}
	}

	best, bestDist := -1, math.Inf(1)
	for i, h := range m.hists {
		if d := ChiSquare(query, h); d < bestDist {
			best, bestDist = i, d
		}
	}
	return m.labels[best], bestDist, nil
}

func (m *Model) predictIndexed(query []float32) (int, float64, bool) {
	best, bestDist := -1, math.Inf(1)
	for _, id := range m.index.search(query, indexCandidates) {
		pos, found := slices.BinarySearch(m.ids, id)
		if !found {
			continue
		}
		d := ChiSquare(query, m.hists[pos])
		if d < bestDist || (d == bestDist && pos < best) {
			best, bestDist = pos, d
		}
	}
	if best < 0 {
		return -1, 0, false
	}
	return m.labels[best], bestDist, true
}

type modelData struct {
	Params     Params
	Labels     []int
	Histograms [][]float32
}

// GobEncode implements gob.GobEncoder. The index is not stored; it is rebuilt
// after decoding when a threshold is set.
func (m *Model) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	data := modelData{Params: m.params, Labels: m.labels, Histograms: m.hists}
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, fmt.Errorf("failed to encode lbph model: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (m *Model) GobDecode(b []byte) error {
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode lbph model: %w", err)
	}
	if err := data.Params.Validate(); err != nil {
		return err
	}
	if len(data.Labels) != len(data.Histograms) {
		return fmt.Errorf("model has %d labels but %d histograms", len(data.Labels), len(data.Histograms))
	}
	for i, h := range data.Histograms {
		if len(h) != data.Params.Len() {
			return fmt.Errorf("histogram %d has length %d, want %d", i, len(h), data.Params.Len())
		}
	}
	*m = Model{params: data.Params, labels: data.Labels, hists: data.Histograms}
	return nil
}
