package workflow

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/dental-booking/internal/events"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher hands dispatches to a queue consumed by the workflow engine.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

var _ Sender = (*SQSPublisher)(nil)

func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	if client == nil {
		panic("workflow: SQS client cannot be nil")
	}
	return newSQSPublisher(client, queueURL)
}

func newSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if queueURL == "" {
		panic("workflow: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Send(ctx context.Context, entry events.OutboxEntry) error {
	switch entry.Type {
	case events.DispatchBookingConfirmed, events.DispatchBookingCancelled, events.DispatchRefundRequired:
	default:
		return &unroutableError{dispatchType: entry.Type}
	}
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(entry.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"dispatch_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.DispatchID.String()),
			},
			"dispatch_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("workflow: failed to send SQS message: %w", err)
	}
	return nil
}
