package appointment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chadiek/call-receptionist/internal/dialogue"
)

// Processor applies AppointmentAction intents to a Store.
type Processor struct {
	Store  Store
	Logger *slog.Logger
	// OnResult is called with the action kind and "ok", "not_found" or "error".
	OnResult func(kind, outcome string)
	tracer   trace.Tracer
}

func NewProcessor(store Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Store:  store,
		Logger: logger,
		tracer: otel.Tracer("github.com/chadiek/call-receptionist/internal/appointment"),
	}
}

// Handle runs the action and returns the sentence to speak to the caller.
// The sentence is set even when err is non-nil.
func (p *Processor) Handle(ctx context.Context, callID string, action dialogue.AppointmentAction) (string, error) {
	ctx, span := p.tracer.Start(ctx, "appointment."+string(action.Kind), trace.WithAttributes(
		attribute.String("call.id", callID),
	))
	defer span.End()

	req := Request{CallID: callID, Details: action.Details}
	var (
		conf Confirmation
		err  error
	)
	switch action.Kind {
	case dialogue.AppointmentBook:
		conf, err = p.Store.Book(ctx, req)
	case dialogue.AppointmentReschedule:
		conf, err = p.Store.Reschedule(ctx, req)
	case dialogue.AppointmentCancel:
		conf, err = p.Store.Cancel(ctx, req)
	default:
		err = fmt.Errorf("appointment: unknown action %q", action.Kind)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	if p.OnResult != nil {
		p.OnResult(string(action.Kind), outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.Logger.Warn("appointment action failed", slog.String("call_id", callID), slog.String("kind", string(action.Kind)), slog.Any("err", err))
	} else {
		p.Logger.Info("appointment action", slog.String("call_id", callID), slog.String("kind", string(action.Kind)), slog.String("reference", conf.Reference))
	}
	return speech(action.Kind, conf, err), err
}

func speech(kind dialogue.AppointmentKind, conf Confirmation, err error) string {
	if errors.Is(err, ErrNotFound) {
		return "I couldn't find that appointment. Could you give me the reference or the phone number it was booked under?"
	}
	if err != nil {
		return "I'm sorry, I couldn't update the appointment system just now. I've noted your request and the office will call you back."
	}
	when := conf.Date
	if conf.Time != "" {
		when += " " + conf.Time
	}
	switch kind {
	case dialogue.AppointmentBook:
		return fmt.Sprintf("You're booked for %s. Your reference is %s.", when, spell(conf.Reference))
	case dialogue.AppointmentReschedule:
		return fmt.Sprintf("Your appointment %s is moved to %s.", spell(conf.Reference), when)
	default:
		return fmt.Sprintf("Your appointment %s is cancelled.", spell(conf.Reference))
	}
}

// spell separates characters so the synthesizer reads a reference letter by letter.
func spell(ref string) string {
	out := make([]rune, 0, len(ref)*2)
	for i, r := range ref {
		if r == '-' {
			continue
		}
		if i > 0 && len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, r)
	}
	return string(out)
}
