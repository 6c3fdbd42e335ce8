package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reasons reported for dropped candidates.
const (
	ReasonCooldown  = "cooldown"
	ReasonDuplicate = "duplicate"
	ReasonIO        = "io"
)

// Candidate is a recognition that passed the confidence threshold.
type Candidate struct {
	PersonID   string
	Confidence float64
	DetectedAt time.Time
}

// Decision is the outcome of submitting a candidate.
type Decision struct {
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
	Record   *Record `json:"record,omitempty"`
}

// Gate applies cooldown and per-day idempotence before appending to the
// store. Checks and the cache update run under one mutex, so a person can
// never be accepted twice by concurrent submissions.
type Gate struct {
	store  Store
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time

	mu       sync.Mutex
	cooldown time.Duration
	cache    map[string]time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock sets the clock used for manual marks and pruning.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithLocation sets the zone that defines the calendar date. Default is time.Local.
func WithLocation(loc *time.Location) GateOption {
	return func(g *Gate) { g.loc = loc }
}

// NewGate creates a gate in front of store.
func NewGate(store Store, cooldown time.Duration, logger *zap.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		store:    store,
		logger:   logger,
		loc:      time.Local,
		now:      time.Now,
		cooldown: cooldown,
		cache:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetCooldown changes the cooldown for subsequent candidates.
func (g *Gate) SetCooldown(d time.Duration) {
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// Cooldown returns the current cooldown.
func (g *Gate) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

// Today returns the current local date in record format.
func (g *Gate) Today() string {
	return g.now().In(g.loc).Format(DateLayout)
}

// Submit evaluates a candidate. The candidate's detection time is "now" for
// every rule. A cached acceptance from an earlier local date never triggers
// the cooldown.
func (g *Gate) Submit(ctx context.Context, c Candidate) Decision {
	at := c.DetectedAt
	if at.IsZero() {
		at = g.now()
	}
	local := at.In(g.loc)

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.cache[c.PersonID]; ok && g.sameDate(last, local) && local.Sub(last) < g.cooldown {
		return Decision{Reason: ReasonCooldown}
	}

	return g.record(ctx, c.PersonID, local, c.Confidence, MethodRecognition)
}

// MarkManual records a person as present now with confidence 100. The
// cooldown does not apply; per-day idempotence does, and a duplicate is
// reported through the decision rather than as an error.
func (g *Gate) MarkManual(ctx context.Context, personID string) (Decision, error) {
	local := g.now().In(g.loc)

	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.record(ctx, personID, local, 100, MethodManual)
	if d.Reason == ReasonIO {
		return d, fmt.Errorf("%w: manual mark for %s", ErrStoreWrite, personID)
	}
	return d, nil
}

// record must be called with g.mu held.
func (g *Gate) record(ctx context.Context, personID string, local time.Time, confidence float64, method Method) Decision {
	date := local.Format(DateLayout)
	exists, err := g.store.ExistsOn(ctx, personID, date)
	if err != nil {
		g.logger.Error("attendance lookup failed", zap.String("person_id", personID), zap.Error(err))
		return Decision{Reason: ReasonIO}
	}
	if exists {
		g.cache[personID] = local
		return Decision{Reason: ReasonDuplicate}
	}

	rec := NewRecord(personID, local, confidence, method)
	if err := g.store.Append(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateToday) {
			g.cache[personID] = local
			return Decision{Reason: ReasonDuplicate}
		}
		g.logger.Error("attendance append failed", zap.String("person_id", personID), zap.Error(err))
		return Decision{Reason: ReasonIO}
	}

	g.cache[personID] = local
	g.logger.Info("attendance recorded",
		zap.String("person_id", personID),
		zap.Float64("confidence", rec.Confidence),
		zap.String("method", string(method)))
	return Decision{Accepted: true, Record: &rec}
}

// Prune drops cache entries that can no longer suppress anything: older
// than the cooldown or from an earlier date. Returns how many were removed.
func (g *Gate) Prune(now time.Time) int {
	local := now.In(g.loc)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, last := range g.cache {
		if !g.sameDate(last, local) || local.Sub(last) >= g.cooldown {
			delete(g.cache, id)
			removed++
		}
	}
	return removed
}

func (g *Gate) sameDate(a, b time.Time) bool {
	ay, am, ad := a.In(g.loc).Date()
	by, bm, bd := b.In(g.loc).Date()
	return ay == by && am == bm && ad == bd
}
