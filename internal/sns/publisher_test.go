package sns

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

type fakeSNS struct {
	mu      sync.Mutex
	batches []*sns.PublishBatchInput
	failed  int
	err     error
}

func (f *fakeSNS) PublishBatch(ctx context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, in)

	out := &sns.PublishBatchOutput{}
	for i, e := range in.PublishBatchRequestEntries {
		if i < f.failed {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: e.Id})
			continue
		}
		out.Successful = append(out.Successful, types.PublishBatchResultEntry{Id: e.Id, MessageId: aws.String("m-" + aws.ToString(e.Id))})
	}
	return out, nil
}

func (f *fakeSNS) entries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b.PublishBatchRequestEntries)
	}
	return n
}

type captureBus struct {
	published []relay.Event
	err       error
}

func (b *captureBus) Publish(_ context.Context, ev relay.Event) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, ev)
	return nil
}

func event(t *testing.T, typ relay.EventType) relay.Event {
	t.Helper()
	a := &db.Alert{ID: uuid.New(), HospitalID: uuid.New(), UrgencyLevel: 3, Status: db.StatusActive}
	ev, err := relay.NewEvent(typ, a, db.TierNurse, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestPublishBatch(t *testing.T) {
	client := &fakeSNS{}
	p := newPublisher(client, Config{TopicARN: "arn:topic"}, zap.NewNop())

	ev := event(t, relay.EventEscalated)
	ids, err := p.PublishBatch(context.Background(), []relay.Event{ev, event(t, relay.EventCreated)})
	if err != nil {
		t.Fatalf("PublishBatch() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 message ids, got %v", ids)
	}

	entry := client.batches[0].PublishBatchRequestEntries[0]
	if got := aws.ToString(entry.MessageAttributes["event_type"].StringValue); got != "escalated" {
		t.Errorf("event_type = %s", got)
	}
	if got := aws.ToString(entry.MessageAttributes["hospital_id"].StringValue); got != ev.HospitalID.String() {
		t.Errorf("hospital_id = %s", got)
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(entry.Message)), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.AlertID != ev.AlertID.String() || msg.Type != relay.EventEscalated {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestPublishBatch_Errors(t *testing.T) {
	client := &fakeSNS{}
	p := newPublisher(client, Config{TopicARN: "arn:topic"}, zap.NewNop())

	if ids, err := p.PublishBatch(context.Background(), nil); err != nil || ids != nil {
		t.Errorf("empty batch: ids %v err %v", ids, err)
	}

	tooMany := make([]relay.Event, maxBatch+1)
	for i := range tooMany {
		tooMany[i] = event(t, relay.EventCreated)
	}
	if _, err := p.PublishBatch(context.Background(), tooMany); err == nil {
		t.Error("expected batch size error")
	}

	client.failed = 1
	if _, err := p.PublishBatch(context.Background(), tooMany[:2]); err == nil {
		t.Error("expected partial failure error")
	}

	client.err = errors.New("throttled")
	if _, err := p.PublishBatch(context.Background(), tooMany[:1]); err == nil {
		t.Error("expected provider error")
	}
}

func TestTee(t *testing.T) {
	p := newPublisher(&fakeSNS{}, Config{}, zap.NewNop())
	bus := &captureBus{}
	tee := p.Tee(bus)

	if err := tee.Publish(context.Background(), event(t, relay.EventCreated)); err != nil {
		t.Fatal(err)
	}
	if len(bus.published) != 1 || len(p.events) != 1 {
		t.Fatalf("published %d, forwarded %d", len(bus.published), len(p.events))
	}

	bus.err = relay.ErrBusClosed
	if err := tee.Publish(context.Background(), event(t, relay.EventCreated)); !errors.Is(err, relay.ErrBusClosed) {
		t.Fatalf("expected bus error, got %v", err)
	}
	if len(p.events) != 1 {
		t.Errorf("rejected event must not be forwarded, buffer has %d", len(p.events))
	}
}

func TestRun_FlushesOnShutdown(t *testing.T) {
	client := &fakeSNS{}
	p := newPublisher(client, Config{TopicARN: "arn:topic", FlushInterval: time.Hour}, zap.NewNop())

	for i := 0; i < 13; i++ {
		p.Forward(event(t, relay.EventCreated))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for client.entries() < maxBatch && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := client.entries(); got != 13 {
		t.Errorf("expected 13 forwarded events, got %d", got)
	}
}
