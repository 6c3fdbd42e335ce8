package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	day := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	recs := []attendance.Record{
		attendance.NewRecord("bob", day.Add(time.Minute), 81, attendance.MethodRecognition),
		attendance.NewRecord("alice", day, 100, attendance.MethodManual),
		attendance.NewRecord("alice", day.Add(24*time.Hour), 90, attendance.MethodRecognition),
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	dup := attendance.NewRecord("alice", day.Add(2*time.Hour), 95, attendance.MethodRecognition)
	if err := s.Append(ctx, dup); !errors.Is(err, attendance.ErrDuplicateToday) {
		t.Errorf("expected ErrDuplicateToday, got %v", err)
	}

	tests := []struct {
		person, date string
		expected     bool
	}{
		{"alice", "2024-09-02", true},
		{"alice", "2024-09-03", true},
		{"bob", "2024-09-03", false},
		{"carol", "2024-09-02", false},
	}
	for _, tt := range tests {
		got, err := s.ExistsOn(ctx, tt.person, tt.date)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.expected {
			t.Errorf("ExistsOn(%s, %s) = %v, want %v", tt.person, tt.date, got, tt.expected)
		}
	}

	list, err := s.ListByDate(ctx, "2024-09-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].PersonID != "alice" || list[1].PersonID != "bob" {
		t.Errorf("records not ordered by timestamp: %+v", list)
	}
	if list[0] != recs[1] {
		t.Errorf("record did not round-trip: %+v vs %+v", list[0], recs[1])
	}
}

func TestStore_WorksWithGate(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	g := attendance.NewGate(s, 10*time.Second, nil, attendance.WithLocation(time.UTC))

	d := g.Submit(context.Background(), attendance.Candidate{PersonID: "alice", Confidence: 80, DetectedAt: now})
	if !d.Accepted {
		t.Fatalf("expected accept, got %+v", d)
	}
	d = g.Submit(context.Background(), attendance.Candidate{PersonID: "alice", Confidence: 80, DetectedAt: now.Add(time.Minute)})
	if d.Reason != attendance.ReasonDuplicate {
		t.Errorf("expected duplicate, got %+v", d)
	}
}
