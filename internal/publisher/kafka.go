// Package publisher relays integration events to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"
	"crypto-payment-service/internal/metrics"
	"crypto-payment-service/internal/recovery"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const dependency = "kafka"

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Guard interface {
	Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error
}

type Reporter interface {
	Report(component string, err error)
}

// NewKafkaWriter builds a synchronous writer. Messages are hashed by key so
// every event of one payment lands on the same partition.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  1,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// IntegrationEvents selects the events other services consume.
func IntegrationEvents(ev domain.Event) bool {
	return ev.Kind == domain.EventPaymentCreated || ev.Kind == domain.EventPaymentStatusChanged
}

type KafkaPublisher struct {
	writer   MessageWriter
	guard    Guard
	reporter Reporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	timeout  time.Duration
	retry    recovery.Backoff
}

func NewKafkaPublisher(writer MessageWriter, guard Guard, reporter Reporter, m *metrics.Metrics, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:   writer,
		guard:    guard,
		reporter: reporter,
		metrics:  m,
		logger:   logger,
		timeout:  10 * time.Second,
		retry:    recovery.Backoff{Base: time.Second, Max: time.Minute},
	}
}

// Encode renders ev as a protobuf Struct keyed by payment id.
func Encode(ev domain.Event) (kafka.Message, error) {
	payload, err := toMap(ev.Payload)
	if err != nil {
		return kafka.Message{}, err
	}
	fields := map[string]any{
		"id":          ev.ID,
		"kind":        string(ev.Kind),
		"payment_id":  ev.PaymentID,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to build event struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.PaymentID),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// Decode is the inverse of Encode's value encoding.
func Decode(value []byte) (*structpb.Struct, error) {
	st := new(structpb.Struct)
	if err := proto.Unmarshal(value, st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return st, nil
}

// toMap round-trips v through JSON so decimals and times keep their JSON
// form inside the Struct.
func toMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

// Publish writes one event, retried through the guard.
func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		p.metrics.PublishedEvents.WithLabelValues(string(ev.Kind), "encode_error").Inc()
		return apperr.Validation("KafkaPublisher.Publish", "encode %s: %v", ev.Kind, err)
	}

	err = p.guard.Execute(ctx, dependency, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.writer.WriteMessages(wctx, msg); err != nil {
			return apperr.External(dependency, err, "write %s", ev.Kind)
		}
		return nil
	})
	if err != nil {
		p.metrics.PublishedEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return err
	}

	p.metrics.PublishedEvents.WithLabelValues(string(ev.Kind), "ok").Inc()
	p.logger.Debug("event published",
		zap.String("kind", string(ev.Kind)),
		zap.String("payment_id", ev.PaymentID))
	return nil
}

// Relay publishes every event of sub, in order, until it closes or ctx is
// done. A failed event is retried until it is written; the subscription
// buffers behind it meanwhile.
func (p *KafkaPublisher) Relay(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !p.deliver(ctx, ev) {
				return
			}
		}
	}
}

// deliver reports false only when ctx ends first. Events that cannot be
// encoded are reported and skipped.
func (p *KafkaPublisher) deliver(ctx context.Context, ev domain.Event) bool {
	for attempt := 0; ; attempt++ {
		err := p.Publish(ctx, ev)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("event relayed after retries",
					zap.String("kind", string(ev.Kind)),
					zap.String("payment_id", ev.PaymentID),
					zap.Int("attempts", attempt+1))
			}
			return true
		}
		if apperr.IsKind(err, apperr.KindValidation) {
			p.reporter.Report("publisher", fmt.Errorf("drop %s for %s: %w", ev.Kind, ev.PaymentID, err))
			return true
		}
		if attempt == 0 {
			p.reporter.Report("publisher", fmt.Errorf("relay %s for %s: %w", ev.Kind, ev.PaymentID, err))
		}

		delay := p.retry.Delay(attempt)
		p.logger.Warn("event relay failed, holding event",
			zap.String("kind", string(ev.Kind)),
			zap.String("payment_id", ev.PaymentID),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
