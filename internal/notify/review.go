package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/pkg/logging"
)

// ReviewAlert describes a booking an operator must look at.
type ReviewAlert struct {
	BookingID       uuid.UUID
	ClinicID        string
	CustomerName    string
	CustomerEmail   string
	ServiceName     string
	StartTime       time.Time
	AmountPaid      int64
	Currency        string
	StripeSessionID string
	Reason          string
}

// ReviewNotifier emails operators about bookings flagged for manual review.
type ReviewNotifier struct {
	email      EmailSender
	recipients []string
	logger     *logging.Logger
}

func NewReviewNotifier(email EmailSender, recipients []string, logger *logging.Logger) *ReviewNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	var cleaned []string
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	return &ReviewNotifier{email: email, recipients: cleaned, logger: logger}
}

// NotifyReview sends one email per recipient. Every recipient is attempted
// even if an earlier one fails.
func (n *ReviewNotifier) NotifyReview(ctx context.Context, alert ReviewAlert) error {
	if n == nil || n.email == nil || len(n.recipients) == 0 {
		return nil
	}
	subject := fmt.Sprintf("Booking needs review: %s", alert.Reason)
	body := reviewText(alert)
	htmlBody := reviewHTML(alert)

	var errs []error
	for _, to := range n.recipients {
		err := n.email.Send(ctx, EmailMessage{To: to, Subject: subject, Body: body, HTML: htmlBody})
		if err != nil {
			n.logger.Error("notify: review alert failed", "error", err, "to", to, "booking_id", alert.BookingID)
			errs = append(errs, err)
			continue
		}
		n.logger.Info("notify: review alert sent", "to", to, "booking_id", alert.BookingID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d review alert(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}

func reviewText(a ReviewAlert) string {
	return fmt.Sprintf(`A paid booking was flagged for manual review.

Reason: %s
Booking: %s
Clinic: %s
Patient: %s <%s>
Service: %s
Start: %s
Amount: %s
Stripe session: %s

Resolve it with POST /admin/bookings/%s/resolve-review once handled.`,
		a.Reason, a.BookingID, a.ClinicID, a.CustomerName, a.CustomerEmail, a.ServiceName,
		a.StartTime.UTC().Format(time.RFC3339), formatAmount(a.AmountPaid, a.Currency), a.StripeSessionID, a.BookingID)
}

func reviewHTML(a ReviewAlert) string {
	row := func(label, value string) string {
		return fmt.Sprintf(`<tr><td style="padding: 8px; border-bottom: 1px solid #e5e7eb;"><strong>%s:</strong></td><td style="padding: 8px; border-bottom: 1px solid #e5e7eb;">%s</td></tr>`,
			label, html.EscapeString(value))
	}
	var b strings.Builder
	b.WriteString(`<div style="font-family: sans-serif; max-width: 600px;">`)
	b.WriteString(`<h2 style="color: #b45309;">Booking needs review</h2><table style="border-collapse: collapse; margin: 20px 0;">`)
	b.WriteString(row("Reason", a.Reason))
	b.WriteString(row("Booking", a.BookingID.String()))
	b.WriteString(row("Clinic", a.ClinicID))
	b.WriteString(row("Patient", a.CustomerName+" <"+a.CustomerEmail+">"))
	b.WriteString(row("Service", a.ServiceName))
	b.WriteString(row("Start", a.StartTime.UTC().Format(time.RFC3339)))
	b.WriteString(row("Amount", formatAmount(a.AmountPaid, a.Currency)))
	b.WriteString(row("Stripe session", a.StripeSessionID))
	b.WriteString(`</table></div>`)
	return b.String()
}
