// Package appointment persists appointment actions requested during a call.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("appointment: not found")

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
)

// Request carries the details collected from the caller.
// Well-known keys: reference, name, phone, date, time, department, reason.
type Request struct {
	CallID  string
	Details map[string]string
}

func (r Request) get(key string) string { return strings.TrimSpace(r.Details[key]) }

type Appointment struct {
	Reference  string            `json:"reference"`
	CallID     string            `json:"call_id"`
	Status     Status            `json:"status"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Date       string            `json:"date"`
	Time       string            `json:"time"`
	Department string            `json:"department"`
	Reason     string            `json:"reason"`
	Details    map[string]string `json:"details"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type Confirmation struct {
	Reference string
	Status    Status
	Date      string
	Time      string
}

// Store is the appointment record store. Reschedule and Cancel find the
// appointment by the "reference" detail, or else by the latest booked
// appointment for the "phone" detail, and return ErrNotFound otherwise.
type Store interface {
	Book(ctx context.Context, req Request) (Confirmation, error)
	Reschedule(ctx context.Context, req Request) (Confirmation, error)
	Cancel(ctx context.Context, req Request) (Confirmation, error)
}

func newAppointment(req Request, now time.Time) Appointment {
	details := make(map[string]string, len(req.Details))
	for k, v := range req.Details {
		details[k] = v
	}
	return Appointment{
		Reference:  newReference(),
		CallID:     req.CallID,
		Status:     StatusBooked,
		Name:       req.get("name"),
		Phone:      req.get("phone"),
		Date:       req.get("date"),
		Time:       req.get("time"),
		Department: req.get("department"),
		Reason:     req.get("reason"),
		Details:    details,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// newReference returns a short reference that is easy to read out on the phone.
func newReference() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "A-" + id[:6]
}

func validateBooking(req Request) error {
	var missing []string
	for _, k := range []string{"name", "phone", "date"} {
		if req.get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("appointment: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (a Appointment) confirmation() Confirmation {
	return Confirmation{Reference: a.Reference, Status: a.Status, Date: a.Date, Time: a.Time}
}
