package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/dental-booking/pkg/logging"
)

// ErrNotFound is returned when no archived notification exists for a session.
var ErrNotFound = errors.New("archive: notification not found")

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store keeps raw payment processor notifications in S3 so a flagged booking
// can be reconstructed by an operator.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Key is the object key for a provider session. Redeliveries overwrite the
// same object.
func Key(provider, sessionID string) string {
	return fmt.Sprintf("notifications/v1/%s/%s.json", provider, sanitize(sessionID))
}

// ArchiveNotification writes the raw payload under Key(provider, sessionID).
func (s *Store) ArchiveNotification(ctx context.Context, provider, sessionID string, payload []byte, receivedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	if sessionID == "" {
		return fmt.Errorf("archive: session id required")
	}
	key := Key(provider, sessionID)
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"received-at": receivedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Debug("archived notification", "provider", provider, "session_id", sessionID, "s3_key", key)
	return nil
}

// LoadNotification returns the archived payload or ErrNotFound.
func (s *Store) LoadNotification(ctx context.Context, provider, sessionID string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}
	key := Key(provider, sessionID)
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}

func sanitize(id string) string {
	return strings.NewReplacer("/", "_", "..", "_").Replace(id)
}
