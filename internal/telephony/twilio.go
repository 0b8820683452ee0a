package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chadiek/call-receptionist/internal/callerr"
)

type callUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Twilio controls calls through the Twilio REST API.
type Twilio struct {
	calls callUpdater
}

func NewTwilio(accountSID, authToken string) *Twilio {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{calls: rest.Api}
}

func (t *Twilio) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	_, span := tracer.Start(ctx, "telephony.transfer", trace.WithAttributes(
		attribute.String("telephony.provider", "twilio"),
		attribute.String("call.id", req.CallID),
	))
	defer span.End()

	if req.TargetNumber == "" {
		return TransferResult{Status: TransferRejected, Reason: "no target number"}, nil
	}
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceDial{Number: req.TargetNumber}})
	if err != nil {
		return TransferResult{}, callerr.New(callerr.KindTransfer, "twilio.transfer", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if err := t.update(ctx, req.CallID, params); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// the redirect may still land; a retry could dial the target twice
			span.SetAttributes(attribute.String("telephony.outcome", "unknown"))
			return TransferResult{Status: TransferRejected, Reason: "outcome unknown: " + err.Error()}, nil
		}
		var rest *client.TwilioRestError
		if errors.As(err, &rest) && rest.Status >= 400 && rest.Status < 500 {
			return TransferResult{Status: TransferRejected, Reason: fmt.Sprintf("status=%d %s", rest.Status, rest.Message)}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		return TransferResult{}, callerr.New(callerr.KindTransfer, "twilio.transfer", err)
	}
	return TransferResult{Status: TransferAccepted}, nil
}

func (t *Twilio) Hangup(ctx context.Context, callID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if err := t.update(ctx, callID, params); err != nil {
		return callerr.New(callerr.KindTransfer, "twilio.hangup", err)
	}
	return nil
}

// update runs the blocking SDK call and gives up waiting once ctx ends. The
// SDK call itself is bounded by the REST client's HTTP timeout; its result is
// discarded into the buffered channel.
func (t *Twilio) update(ctx context.Context, callID string, params *twilioApi.UpdateCallParams) error {
	if callID == "" {
		return errors.New("twilio: call sid missing")
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := t.calls.UpdateCall(callID, params)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("twilio: update call: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamTwiML answers a voice webhook by connecting the call to a media-stream websocket.
func StreamTwiML(wsURL string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: wsURL},
		}},
	})
}

// SayTwiML speaks a message and hangs up.
func SayTwiML(message string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
}
