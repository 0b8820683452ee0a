package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/supabase-community/supabase-go"
)

// table is the slice of the PostgREST API the store needs.
type table interface {
	insert(ctx context.Context, row any) ([]byte, error)
	update(ctx context.Context, row any, column, value string) ([]byte, error)
	selectEq(ctx context.Context, column, value string) ([]byte, error)
}

// SupabaseStore keeps appointments in a Supabase (PostgREST) table.
type SupabaseStore struct {
	rows table
	now  func() time.Time
}

var _ Store = (*SupabaseStore)(nil)

func NewSupabaseStore(client *supabase.Client, tableName string) *SupabaseStore {
	if tableName == "" {
		tableName = "appointments"
	}
	return &SupabaseStore{rows: &postgrestTable{client: client, name: tableName}, now: time.Now}
}

func (s *SupabaseStore) Book(ctx context.Context, req Request) (Confirmation, error) {
	if err := validateBooking(req); err != nil {
		return Confirmation{}, err
	}
	a := newAppointment(req, s.now().UTC())
	if _, err := s.rows.insert(ctx, a); err != nil {
		return Confirmation{}, fmt.Errorf("failed to insert appointment: %w", err)
	}
	return a.confirmation(), nil
}

func (s *SupabaseStore) Reschedule(ctx context.Context, req Request) (Confirmation, error) {
	a, err := s.find(ctx, req)
	if err != nil {
		return Confirmation{}, err
	}
	if v := req.get("date"); v != "" {
		a.Date = v
	}
	if v := req.get("time"); v != "" {
		a.Time = v
	}
	a.UpdatedAt = s.now().UTC()
	patch := map[string]any{"date": a.Date, "time": a.Time, "updated_at": a.UpdatedAt}
	if _, err := s.rows.update(ctx, patch, "reference", a.Reference); err != nil {
		return Confirmation{}, fmt.Errorf("failed to update appointment: %w", err)
	}
	return a.confirmation(), nil
}

func (s *SupabaseStore) Cancel(ctx context.Context, req Request) (Confirmation, error) {
	a, err := s.find(ctx, req)
	if err != nil {
		return Confirmation{}, err
	}
	a.Status = StatusCancelled
	a.UpdatedAt = s.now().UTC()
	patch := map[string]any{"status": a.Status, "updated_at": a.UpdatedAt}
	if _, err := s.rows.update(ctx, patch, "reference", a.Reference); err != nil {
		return Confirmation{}, fmt.Errorf("failed to cancel appointment: %w", err)
	}
	return a.confirmation(), nil
}

func (s *SupabaseStore) find(ctx context.Context, req Request) (Appointment, error) {
	column, value := "reference", req.get("reference")
	if value == "" {
		column, value = "phone", req.get("phone")
	}
	if value == "" {
		return Appointment{}, ErrNotFound
	}
	body, err := s.rows.selectEq(ctx, column, value)
	if err != nil {
		return Appointment{}, fmt.Errorf("failed to query appointments: %w", err)
	}
	var found []Appointment
	if err := json.Unmarshal(body, &found); err != nil {
		return Appointment{}, fmt.Errorf("failed to decode appointments: %w", err)
	}
	booked := found[:0]
	for _, a := range found {
		if a.Status == StatusBooked {
			booked = append(booked, a)
		}
	}
	if len(booked) == 0 {
		return Appointment{}, ErrNotFound
	}
	sort.Slice(booked, func(i, j int) bool { return booked[i].CreatedAt.After(booked[j].CreatedAt) })
	return booked[0], nil
}

type postgrestTable struct {
	client *supabase.Client
	name   string
}

// The PostgREST builder takes no context; calls are bounded by the client's HTTP timeout.

func (t *postgrestTable) insert(_ context.Context, row any) ([]byte, error) {
	body, _, err := t.client.From(t.name).Insert(row, false, "", "representation", "").Execute()
	return body, err
}

func (t *postgrestTable) update(_ context.Context, row any, column, value string) ([]byte, error) {
	body, _, err := t.client.From(t.name).Update(row, "representation", "").Eq(column, value).Execute()
	return body, err
}

func (t *postgrestTable) selectEq(_ context.Context, column, value string) ([]byte, error) {
	body, _, err := t.client.From(t.name).Select("*", "", false).Eq(column, value).Execute()
	return body, err
}
