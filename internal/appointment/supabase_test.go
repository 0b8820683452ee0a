package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeTable keeps rows in memory and answers like PostgREST with JSON arrays.
type fakeTable struct {
	rows    []Appointment
	patches []map[string]any
	fail    error
}

func (f *fakeTable) insert(_ context.Context, row any) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.rows = append(f.rows, row.(Appointment))
	return json.Marshal([]any{row})
}

func (f *fakeTable) update(_ context.Context, row any, column, value string) ([]byte, error) {
	patch := row.(map[string]any)
	f.patches = append(f.patches, patch)
	for i := range f.rows {
		if column == "reference" && f.rows[i].Reference == value {
			if st, ok := patch["status"].(Status); ok {
				f.rows[i].Status = st
			}
			if d, ok := patch["date"].(string); ok {
				f.rows[i].Date = d
			}
		}
	}
	return []byte("[]"), nil
}

func (f *fakeTable) selectEq(_ context.Context, column, value string) ([]byte, error) {
	var out []Appointment
	for _, a := range f.rows {
		if (column == "reference" && a.Reference == value) || (column == "phone" && a.Phone == value) {
			out = append(out, a)
		}
	}
	if out == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(out)
}

func newTestSupabase() (*SupabaseStore, *fakeTable) {
	ft := &fakeTable{}
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &SupabaseStore{rows: ft, now: func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}}, ft
}

func TestSupabaseStore_Lifecycle(t *testing.T) {
	s, ft := newTestSupabase()
	ctx := context.Background()
	first, err := s.Book(ctx, booking("5550111"))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	second, _ := s.Book(ctx, booking("5550111"))

	moved, err := s.Reschedule(ctx, Request{Details: map[string]string{"phone": "5550111", "date": "April 1"}})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.Reference != second.Reference || moved.Date != "April 1" {
		t.Fatalf("expected latest booking moved, got %+v", moved)
	}
	if _, err := s.Cancel(ctx, Request{Details: map[string]string{"reference": first.Reference}}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ft.rows[0].Status != StatusCancelled {
		t.Fatalf("expected first booking cancelled")
	}
	if _, err := s.Cancel(ctx, Request{Details: map[string]string{"reference": first.Reference}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSupabaseStore_InsertFailure(t *testing.T) {
	s, ft := newTestSupabase()
	ft.fail = errors.New("503")
	if _, err := s.Book(context.Background(), booking("1")); err == nil {
		t.Fatalf("expected insert failure")
	}
}
