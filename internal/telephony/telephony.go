// Package telephony talks to the switch that owns the caller's phone leg.
package telephony

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/chadiek/call-receptionist/internal/telephony")

type TransferStatus string

const (
	TransferAccepted TransferStatus = "accepted"
	TransferRejected TransferStatus = "rejected"
)

type TransferRequest struct {
	CallID       string
	TargetNumber string
	// IdempotencyKey is stable across retries of one logical transfer.
	IdempotencyKey string
}

type TransferResult struct {
	Status TransferStatus
	Reason string
}

// Client is shared by all sessions and must be safe for concurrent use.
// A definitive refusal is a TransferResult with TransferRejected; an error
// means the outcome is unknown and the request may be retried.
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Hangup(ctx context.Context, callID string) error
}

// Ticket is a support request or callback message left by the caller.
type Ticket struct {
	CallID      string `json:"call_id"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

type TicketSink interface {
	CreateTicket(ctx context.Context, t Ticket) error
}

// Noop is the client for calls without a phone leg, such as browser calls.
type Noop struct{}

func (Noop) Transfer(context.Context, TransferRequest) (TransferResult, error) {
	return TransferResult{Status: TransferRejected, Reason: "no telephony leg"}, nil
}

func (Noop) Hangup(context.Context, string) error { return nil }
