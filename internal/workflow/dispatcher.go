package workflow

import (
	"context"
	"errors"

	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// Dispatcher delivers outbox entries through a Sender.
type Dispatcher struct {
	sender  Sender
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
}

var _ events.DeliveryHandler = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, logger *logging.Logger) *Dispatcher {
	if sender == nil {
		panic("workflow: sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{sender: sender, logger: logger}
}

func (d *Dispatcher) WithMetrics(m *metrics.BookingMetrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) Handle(ctx context.Context, entry events.OutboxEntry) error {
	err := d.sender.Send(ctx, entry)
	if err == nil {
		d.metrics.ObserveDispatch(entry.Type, "delivered")
		d.logger.Info("workflow dispatch delivered", "dispatch_id", entry.DispatchID, "type", entry.Type)
		return nil
	}
	var werr *WorkflowError
	switch {
	case errors.As(err, &werr):
		d.metrics.ObserveDispatch(entry.Type, "rejected")
		d.logger.Error("workflow engine rejected dispatch",
			"dispatch_id", entry.DispatchID,
			"type", entry.Type,
			"status", werr.StatusCode,
			"upstream_body", werr.Body,
		)
	case events.IsPermanent(err):
		d.metrics.ObserveDispatch(entry.Type, "unroutable")
	default:
		d.metrics.ObserveDispatch(entry.Type, "transport_error")
	}
	return err
}
