package dialogue

import (
	"fmt"
	"sort"
	"strings"
)

// Intent is a structured decision extracted from a model response. The set
// of variants is closed.
type Intent interface {
	intent()
	String() string
}

// TransferRequested asks for the call to be handed to a human. An empty
// TargetNumber means the configured forwarding number.
type TransferRequested struct {
	TargetNumber string
}

type AppointmentKind string

const (
	AppointmentBook       AppointmentKind = "book"
	AppointmentReschedule AppointmentKind = "reschedule"
	AppointmentCancel     AppointmentKind = "cancel"
)

// AppointmentAction asks the record store to book, reschedule or cancel.
type AppointmentAction struct {
	Kind    AppointmentKind
	Details map[string]string
}

// EndCall asks for the call to be closed.
type EndCall struct {
	Reason string
}

// TicketRequested asks for a support ticket or callback message.
type TicketRequested struct {
	Subject     string
	Description string
	Name        string
	Email       string
	Phone       string
}

// None marks a response that requires no action.
type None struct{}

const (
	ReasonModelUnavailable      = "model_unavailable"
	ReasonCallerRequested       = "caller_requested"
	ReasonIdle                  = "idle_timeout"
	ReasonRecognizerUnavailable = "recognizer_unavailable"
)

func (TransferRequested) intent() {}
func (AppointmentAction) intent() {}
func (EndCall) intent()           {}
func (TicketRequested) intent()   {}
func (None) intent()              {}

func (t TransferRequested) String() string {
	if t.TargetNumber == "" {
		return "transfer"
	}
	return "transfer:" + t.TargetNumber
}

func (a AppointmentAction) String() string {
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("appointment:%s[%s]", a.Kind, strings.Join(keys, ","))
}

func (e EndCall) String() string {
	if e.Reason == "" {
		return "end_call"
	}
	return "end_call:" + e.Reason
}

func (t TicketRequested) String() string { return "ticket:" + t.Subject }

func (None) String() string { return "none" }

// Early reports whether the intent may be emitted before the response text completes.
func Early(in Intent) bool {
	switch in.(type) {
	case TransferRequested, EndCall:
		return true
	}
	return false
}
