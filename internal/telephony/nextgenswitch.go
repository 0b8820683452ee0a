package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chadiek/call-receptionist/internal/callerr"
)

// NextGenSwitch controls calls through the NextGenSwitch call API.
type NextGenSwitch struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

func NewNextGenSwitch(baseURL, apiKey, apiSecret string) *NextGenSwitch {
	return &NextGenSwitch{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		APISecret:  apiSecret,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func dialXML(number string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<response>\n    <dial>")
	_ = xml.EscapeText(&b, []byte(number))
	b.WriteString("</dial>\n</response>")
	return b.String()
}

const hangupXML = "<?xml version=\"1.0\"?>\n<response>\n    <hangup/>\n</response>"

func (n *NextGenSwitch) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	ctx, span := tracer.Start(ctx, "telephony.transfer", trace.WithAttributes(
		attribute.String("telephony.provider", "nextgenswitch"),
		attribute.String("call.id", req.CallID),
	))
	defer span.End()

	if req.TargetNumber == "" {
		return TransferResult{Status: TransferRejected, Reason: "no target number"}, nil
	}
	status, body, err := n.update(ctx, req.CallID, dialXML(req.TargetNumber), req.IdempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		return TransferResult{}, callerr.New(callerr.KindTransfer, "nextgenswitch.transfer", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	switch {
	case status >= 200 && status < 300:
		return TransferResult{Status: TransferAccepted}, nil
	case status >= 400 && status < 500:
		return TransferResult{Status: TransferRejected, Reason: fmt.Sprintf("status=%d body=%s", status, body)}, nil
	default:
		err := fmt.Errorf("nextgenswitch: status=%d body=%s", status, body)
		span.SetStatus(codes.Error, "transfer failed")
		return TransferResult{}, callerr.New(callerr.KindTransfer, "nextgenswitch.transfer", err)
	}
}

func (n *NextGenSwitch) Hangup(ctx context.Context, callID string) error {
	status, body, err := n.update(ctx, callID, hangupXML, "")
	if err != nil {
		return callerr.New(callerr.KindTransfer, "nextgenswitch.hangup", err)
	}
	if status < 200 || status >= 300 {
		return callerr.New(callerr.KindTransfer, "nextgenswitch.hangup", fmt.Errorf("nextgenswitch: status=%d body=%s", status, body))
	}
	return nil
}

// update replaces the live call's instructions.
func (n *NextGenSwitch) update(ctx context.Context, callID, responseXML, idempotencyKey string) (int, string, error) {
	if n.BaseURL == "" {
		return 0, "", errors.New("nextgenswitch: base url not configured")
	}
	if callID == "" {
		return 0, "", errors.New("nextgenswitch: call id missing")
	}
	form := url.Values{"responseXml": {responseXML}}
	endpoint := n.BaseURL + "/" + url.PathEscape(callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	n.authorize(req)
	return n.do(req)
}

func (n *NextGenSwitch) CreateTicket(ctx context.Context, t Ticket) error {
	if n.BaseURL == "" {
		return errors.New("nextgenswitch: base url not configured")
	}
	buf, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/support_tickets", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	n.authorize(req)
	status, body, err := n.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("nextgenswitch: create ticket: status=%d body=%s", status, body)
	}
	return nil
}

func (n *NextGenSwitch) authorize(req *http.Request) {
	if n.APIKey != "" {
		req.Header.Set("X-Authorization", n.APIKey)
	}
	if n.APISecret != "" {
		req.Header.Set("X-Authorization-Secret", n.APISecret)
	}
}

func (n *NextGenSwitch) do(req *http.Request) (int, string, error) {
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("nextgenswitch: request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return resp.StatusCode, string(b), nil
}
