package appointment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps appointments in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS appointments (
			reference TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			status TEXT NOT NULL,
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			date TEXT NOT NULL,
			time TEXT,
			department TEXT,
			reason TEXT,
			details TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_phone ON appointments(phone, status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Book(ctx context.Context, req Request) (Confirmation, error) {
	if err := validateBooking(req); err != nil {
		return Confirmation{}, err
	}
	a := newAppointment(req, s.now().UTC())
	details, err := json.Marshal(a.Details)
	if err != nil {
		return Confirmation{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO appointments
		(reference, call_id, status, name, phone, date, time, department, reason, details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Reference, a.CallID, string(a.Status), a.Name, a.Phone, a.Date, a.Time, a.Department, a.Reason,
		string(details), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Confirmation{}, fmt.Errorf("failed to insert appointment: %w", err)
	}
	return a.confirmation(), nil
}

func (s *SQLiteStore) Reschedule(ctx context.Context, req Request) (Confirmation, error) {
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
	if _, err := s.db.ExecContext(ctx, `UPDATE appointments SET date = ?, time = ?, updated_at = ? WHERE reference = ?`,
		a.Date, a.Time, a.UpdatedAt, a.Reference); err != nil {
		return Confirmation{}, fmt.Errorf("failed to update appointment: %w", err)
	}
	return a.confirmation(), nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, req Request) (Confirmation, error) {
	a, err := s.find(ctx, req)
	if err != nil {
		return Confirmation{}, err
	}
	a.Status = StatusCancelled
	a.UpdatedAt = s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE appointments SET status = ?, updated_at = ? WHERE reference = ?`,
		string(a.Status), a.UpdatedAt, a.Reference); err != nil {
		return Confirmation{}, fmt.Errorf("failed to cancel appointment: %w", err)
	}
	return a.confirmation(), nil
}

// Get returns the appointment with the given reference.
func (s *SQLiteStore) Get(ctx context.Context, reference string) (Appointment, error) {
	return s.scan(s.db.QueryRowContext(ctx, selectAppointment+` WHERE reference = ?`, reference))
}

const selectAppointment = `SELECT reference, call_id, status, name, phone, date, time, department, reason, details, created_at, updated_at FROM appointments`

func (s *SQLiteStore) find(ctx context.Context, req Request) (Appointment, error) {
	if ref := req.get("reference"); ref != "" {
		a, err := s.Get(ctx, ref)
		if err != nil {
			return Appointment{}, err
		}
		if a.Status != StatusBooked {
			return Appointment{}, ErrNotFound
		}
		return a, nil
	}
	if phone := req.get("phone"); phone != "" {
		return s.scan(s.db.QueryRowContext(ctx,
			selectAppointment+` WHERE phone = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, phone, string(StatusBooked)))
	}
	return Appointment{}, ErrNotFound
}

func (s *SQLiteStore) scan(row *sql.Row) (Appointment, error) {
	var a Appointment
	var status string
	var tm, dept, reason, details sql.NullString
	err := row.Scan(&a.Reference, &a.CallID, &status, &a.Name, &a.Phone, &a.Date, &tm, &dept, &reason, &details, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("failed to read appointment: %w", err)
	}
	a.Status = Status(status)
	a.Time, a.Department, a.Reason = tm.String, dept.String, reason.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			return Appointment{}, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return a, nil
}
