package bootstrap

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dental-booking/internal/archive"
	appconfig "github.com/wolfman30/dental-booking/internal/config"
	"github.com/wolfman30/dental-booking/internal/http/middleware"
	"github.com/wolfman30/dental-booking/internal/notify"
	"github.com/wolfman30/dental-booking/internal/workflow"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// BuildWorkflowSender picks the SQS publisher when a queue is configured and
// the direct HTTP client otherwise.
func BuildWorkflowSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) workflow.Sender {
	if logger == nil {
		logger = logging.Default()
	}
	if queueURL := strings.TrimSpace(cfg.WorkflowQueueURL); queueURL != "" && awsCfg != nil {
		logger.Info("workflow dispatch via sqs", "queue_url", queueURL)
		return workflow.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), queueURL)
	}
	logger.Info("workflow dispatch via http")
	return workflow.NewHTTPClient(cfg.WorkflowConfirmationURL, cfg.WorkflowCancellationURL, cfg.WorkflowTimeout)
}

// BuildArchive returns the notification archive, or nil when no bucket is set.
func BuildArchive(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *archive.Store {
	bucket := strings.TrimSpace(cfg.RawEventBucket)
	if bucket == "" || awsCfg == nil {
		return nil
	}
	return archive.NewStore(NewS3Client(*awsCfg, cfg), bucket, logger)
}

// BuildReviewNotifier chooses SendGrid, then SES, then a logging stub. It
// returns nil when no recipients are configured.
func BuildReviewNotifier(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.ReviewNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	if len(cfg.ReviewAlertEmails) == 0 {
		logger.Info("review alerts disabled: no recipients")
		return nil
	}
	var sender notify.EmailSender
	switch {
	case cfg.SendGridAPIKey != "":
		sender = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger)
		logger.Info("review alerts via sendgrid")
	case cfg.SESFromEmail != "" && awsCfg != nil:
		sender = notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger)
		logger.Info("review alerts via ses")
	default:
		sender = notify.NewStubEmailSender(logger)
		logger.Warn("review alerts have no email provider; logging only")
	}
	return notify.NewReviewNotifier(sender, cfg.ReviewAlertEmails, logger)
}

// BuildReserveLimiter shares the reserve-slot window through Redis when a
// client is available.
func BuildReserveLimiter(cfg *appconfig.Config, redisClient *redis.Client) middleware.Limiter {
	limit := cfg.ReserveRateLimit
	if limit <= 0 {
		limit = 3
	}
	window := cfg.ReserveRateWindow
	if window <= 0 {
		window = time.Minute
	}
	if redisClient != nil {
		return middleware.NewRedisLimiter(redisClient, "reserve-slot", limit, window)
	}
	return middleware.NewMemoryLimiter(limit, window)
}
