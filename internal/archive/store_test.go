package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "thoughts.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		err := s.Add(ctx, Record{
			SessionID:  "sess-1",
			N:          i,
			Content:    "thought",
			Tokens:     10 * i,
			DurationMS: 1500,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records, want 2", len(recent))
	}
	if recent[0].N != 3 || recent[1].N != 2 {
		t.Errorf("recent order = %d, %d; want 3, 2", recent[0].N, recent[1].N)
	}
	if recent[0].Tokens != 30 {
		t.Errorf("tokens = %d, want 30", recent[0].Tokens)
	}
}

func TestCountBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 4 {
		if err := s.Add(ctx, Record{SessionID: "a", N: i, Content: "x"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.Add(ctx, Record{SessionID: "b", N: 0, Content: "y"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	n, err := s.CountBySession(ctx, "a")
	if err != nil {
		t.Fatalf("CountBySession: %v", err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}
