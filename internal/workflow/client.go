package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dental-booking/internal/events"
)

var workflowTracer = otel.Tracer("dental-booking.workflow")

const (
	// HeaderDispatchID lets the engine drop redelivered dispatches.
	HeaderDispatchID   = "X-Dispatch-Id"
	HeaderDispatchType = "X-Dispatch-Type"

	maxErrorBody = 4 << 10
)

// Sender delivers one outbox entry to the workflow engine.
type Sender interface {
	Send(ctx context.Context, entry events.OutboxEntry) error
}

// HTTPClient posts dispatches to the workflow engine webhooks.
type HTTPClient struct {
	httpClient      *http.Client
	confirmationURL string
	cancellationURL string
}

var _ Sender = (*HTTPClient)(nil)

func NewHTTPClient(confirmationURL, cancellationURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		httpClient:      &http.Client{Timeout: timeout},
		confirmationURL: confirmationURL,
		cancellationURL: cancellationURL,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	if client != nil {
		c.httpClient = client
	}
	return c
}

func (c *HTTPClient) route(dispatchType string) (string, error) {
	switch dispatchType {
	case events.DispatchBookingConfirmed:
		return c.confirmationURL, nil
	case events.DispatchBookingCancelled, events.DispatchRefundRequired:
		return c.cancellationURL, nil
	}
	return "", &unroutableError{dispatchType: dispatchType}
}

func (c *HTTPClient) Send(ctx context.Context, entry events.OutboxEntry) error {
	url, err := c.route(entry.Type)
	if err != nil {
		return err
	}
	ctx, span := workflowTracer.Start(ctx, "workflow.http.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.id", entry.DispatchID.String()),
		attribute.String("dispatch.type", entry.Type),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(entry.Payload))
	if err != nil {
		return &WorkflowError{URL: url, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDispatchID, entry.DispatchID.String())
	req.Header.Set(HeaderDispatchType, entry.Type)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("workflow: post %s: %w", entry.Type, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &WorkflowError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
