package bookings

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const tokenBytes = 32

// NewCancellationToken returns an unguessable opaque token. It is drawn
// independently of the booking id so it cannot be derived from it.
func NewCancellationToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("bookings: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Prepare assigns server-generated identity fields before insert.
// Existing values are kept so retried inserts stay stable.
func Prepare(b *Booking, now time.Time) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CancellationToken == "" {
		token, err := NewCancellationToken()
		if err != nil {
			return err
		}
		b.CancellationToken = token
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now.UTC()
	}
	if b.Language == "" {
		b.Language = "en"
	}
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	return b.Validate()
}
