package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/track"
)

// DLQProducer publishes dead letter envelopes to an NSQ topic so an
// out-of-band consumer can inspect or replay them.
type DLQProducer struct {
	producer *nsq.Producer
	topic    string
	log      *logging.Logger
}

// NewDLQProducer connects a producer to nsqd for the given topic.
func NewDLQProducer(nsqdTCPAddr, topic string, log *logging.Logger) (*DLQProducer, error) {
	if log == nil {
		log = logging.New("formwarden-dlq")
	}
	producer, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &DLQProducer{producer: producer, topic: topic, log: log}, nil
}

// Publish sends one dead letter envelope.
func (p *DLQProducer) Publish(ctx context.Context, dl track.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	p.log.WithContext(ctx).WithRecord(dl.Record.ID).WithField("topic", p.topic).Info("dead letter published")
	return nil
}

// Stop flushes and closes the producer connection.
func (p *DLQProducer) Stop() {
	p.producer.Stop()
}
