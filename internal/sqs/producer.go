// Package sqs forwards notifications that exhausted their delivery attempts
// to an operations queue, where on-call tooling picks them up.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
)

type Config struct {
	Region   string
	QueueURL string
}

// FailureRecord is the message body sent for each failed notification.
type FailureRecord struct {
	NotificationID  string          `json:"notification_id"`
	AlertID         string          `json:"alert_id"`
	HospitalID      string          `json:"hospital_id"`
	RecipientUserID string          `json:"recipient_user_id"`
	Channel         string          `json:"channel"`
	EventType       string          `json:"event_type"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	FailedAt        int64           `json:"failed_at"`
}

func NewFailureRecord(n *db.NotificationEvent, at time.Time) FailureRecord {
	rec := FailureRecord{
		NotificationID:  n.ID.String(),
		AlertID:         n.AlertID.String(),
		HospitalID:      n.HospitalID.String(),
		RecipientUserID: n.RecipientUserID.String(),
		Channel:         n.Channel,
		EventType:       n.EventType,
		Attempts:        n.AttemptCount,
		Payload:         n.Payload,
		FailedAt:        at.Unix(),
	}
	if n.LastError != nil {
		rec.LastError = *n.LastError
	}
	return rec
}

type sendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer sends failure records to the operations queue.
type Producer struct {
	client   sendMessageAPI
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs failure producer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// EnqueueFailure publishes one failure record. Message attributes carry the
// channel and hospital so consumers can filter without decoding the body.
func (p *Producer) EnqueueFailure(ctx context.Context, n *db.NotificationEvent) error {
	body, err := json.Marshal(NewFailureRecord(n, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel":     {DataType: aws.String("String"), StringValue: aws.String(n.Channel)},
			"hospital_id": {DataType: aws.String("String"), StringValue: aws.String(n.HospitalID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Info("notification failure queued",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
