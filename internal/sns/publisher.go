// Package sns forwards alert events to an SNS topic so systems outside the
// gateway (paging, EHR feeds) can subscribe without talking to the relay.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/relay"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

type publishBatchAPI interface {
	PublishBatch(ctx context.Context, in *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

type Config struct {
	TopicARN string
	Region   string
	Endpoint string // custom endpoint, e.g. LocalStack
	// FlushInterval bounds how long an event waits for a full batch.
	FlushInterval time.Duration
}

// Message is the JSON body published for every event.
type Message struct {
	Type       relay.EventType `json:"type"`
	AlertID    string          `json:"alert_id"`
	HospitalID string          `json:"hospital_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

func newMessage(ev relay.Event) Message {
	return Message{
		Type:       ev.Type,
		AlertID:    ev.AlertID.String(),
		HospitalID: ev.HospitalID.String(),
		Timestamp:  ev.Timestamp,
		Payload:    ev.Payload,
	}
}

// Publisher batches bus events onto an SNS topic.
type Publisher struct {
	client   publishBatchAPI
	topicARN string
	flush    time.Duration
	logger   *zap.Logger
	events   chan relay.Event
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns event publisher initialized", zap.String("topic", cfg.TopicARN))
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client publishBatchAPI, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		flush:    cfg.FlushInterval,
		logger:   logger,
		events:   make(chan relay.Event, 1024),
	}
}

// Forward queues an event for the topic. It never blocks: when the buffer
// is full the event is dropped and logged.
func (p *Publisher) Forward(ev relay.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("sns forward buffer full, dropping event",
			zap.String("alert_id", ev.AlertID.String()),
			zap.String("type", string(ev.Type)),
		)
	}
}

// Tee returns a relay.Publisher that publishes to next and forwards every
// event accepted by next. Only the instance that produced an event forwards
// it, so a multi-instance NATS deployment does not publish duplicates.
func (p *Publisher) Tee(next relay.Publisher) relay.Publisher {
	return teePublisher{next: next, topic: p}
}

type teePublisher struct {
	next  relay.Publisher
	topic *Publisher
}

func (t teePublisher) Publish(ctx context.Context, ev relay.Event) error {
	if err := t.next.Publish(ctx, ev); err != nil {
		return err
	}
	t.topic.Forward(ev)
	return nil
}

// Run sends queued events in batches until ctx is cancelled, then flushes
// what is buffered.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flush)
	defer ticker.Stop()

	batch := make([]relay.Event, 0, maxBatch)
	send := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if _, err := p.PublishBatch(ctx, batch); err != nil {
			p.logger.Error("failed to forward events", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for drained := false; !drained; {
				select {
				case ev := <-p.events:
					batch = append(batch, ev)
					if len(batch) == maxBatch {
						send(flushCtx)
					}
				default:
					drained = true
				}
			}
			send(flushCtx)
			return
		case ev := <-p.events:
			batch = append(batch, ev)
			if len(batch) == maxBatch {
				send(ctx)
			}
		case <-ticker.C:
			send(ctx)
		}
	}
}

// PublishBatch sends up to ten events in one request. Attributes allow
// subscription filter policies on event type and hospital.
func (p *Publisher) PublishBatch(ctx context.Context, events []relay.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	if len(events) > maxBatch {
		return nil, fmt.Errorf("batch size exceeds SNS limit of %d", maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(events))
	for i, ev := range events {
		payload, err := json.Marshal(newMessage(ev))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(strconv.Itoa(i)),
			Message: aws.String(string(payload)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"event_type": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(ev.Type)),
				},
				"hospital_id": {
					DataType:    aws.String("String"),
					StringValue: aws.String(ev.HospitalID.String()),
				},
			},
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}

	return messageIDs, nil
}
