// Package queue connects the engine to NSQ: consuming change events emitted
// by upstream form monitors and publishing dead letters for terminally
// failed deliveries.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nsqio/go-nsq"

	"github.com/formwarden/formwarden/internal/engine"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/tracing"
)

// EventMessage is the wire envelope on the events topic. TraceHeaders carry
// the producer's propagated trace context.
type EventMessage struct {
	Event        event.Event       `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Ingestor is the engine-side sink for consumed events.
type Ingestor interface {
	Ingest(ctx context.Context, ev *event.Event) error
}

// Consumer reads change events off NSQ and hands them to the engine.
type Consumer struct {
	consumer *nsq.Consumer
	log      *logging.Logger
}

// ConsumerConfig names the NSQ endpoints and topology for the event source.
type ConsumerConfig struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	MaxInFlight    int
}

// NewConsumer builds the consumer and installs the handler. Call Start to
// connect.
func NewConsumer(cfg ConsumerConfig, sink Ingestor, log *logging.Logger) (*Consumer, error) {
	if log == nil {
		log = logging.New("formwarden-consumer")
	}
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, err
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				log.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		var msg EventMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			log.Plain().WithError(err).Error("bad event payload")
			m.Finish() // terminal: don't retry malformed payloads
			return nil
		}

		ctx := tracing.ExtractTraceFromQueue(context.Background(), msg.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "queue.consume_event")
		defer span.End()

		if err := sink.Ingest(ctx, &msg.Event); err != nil {
			// Validation failures are terminal; everything else (store
			// outage) is worth another pass through the queue.
			tracing.SetSpanError(ctx, err)
			if isRetryable(err) {
				log.WithContext(ctx).WithEvent(msg.Event.ID).WithError(err).Warn("ingest failed, requeueing")
				m.Requeue(-1)
				return nil
			}
			log.WithContext(ctx).WithEvent(msg.Event.ID).WithError(err).Error("event rejected")
		}
		m.Finish()
		return nil
	}))

	return &Consumer{consumer: consumer, log: log}, nil
}

// Start connects to nsqd and lookupd. Connecting directly to nsqd forces
// channel creation instead of the channel being lazily created on first
// publish.
func (c *Consumer) Start(cfg ConsumerConfig) error {
	if err := c.consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return err
	}
	if cfg.LookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			return err
		}
	}
	return nil
}

// Stop disconnects and blocks until the consumer drains.
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

// isRetryable separates store outages, which deserve a requeue, from
// validation rejections, which do not.
func isRetryable(err error) bool {
	return errors.Is(err, engine.ErrStoreUnavailable)
}
