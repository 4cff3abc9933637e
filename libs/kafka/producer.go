package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	HeaderEventType     = "event_type"
	HeaderEventVersion  = "event_version"
	HeaderSource        = "source"
	HeaderCorrelationID = "correlation_id"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// Enveloped is implemented by events that carry an Envelope; its fields are
// copied into record headers.
type Enveloped interface {
	EventEnvelope() Envelope
}

type ProducerMetrics struct {
	Published      *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Kafka publish attempts by topic, event type and outcome.",
			},
			[]string{"topic", "event_type", "status"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
	}

	registry.MustRegister(m.Published, m.PublishLatency)
	return m
}

type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c ProducerConfig) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	// Keyed by table, so one table's changes stay in order on one partition.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Producer.Retry.Max = 5
	if c.MaxRetries > 0 {
		cfg.Producer.Retry.Max = c.MaxRetries
	}
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	if c.RetryBackoff > 0 {
		cfg.Producer.Retry.Backoff = c.RetryBackoff
	}
	return cfg
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(cfg ProducerConfig, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	msg, err := buildMessage(topic, key, value)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.observe(topic, eventType(value), start, err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func (p *SyncProducer) observe(topic, evType string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.Published.WithLabelValues(topic, evType, status).Inc()
	p.metrics.PublishLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}

func buildMessage(topic, key string, value any) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	if ev, ok := value.(Enveloped); ok {
		msg.Headers = envelopeHeaders(ev.EventEnvelope())
	}
	return msg, nil
}

func envelopeHeaders(env Envelope) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(env.EventType)},
		{Key: []byte(HeaderEventVersion), Value: []byte(strconv.Itoa(env.EventVersion))},
	}
	if env.Source != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderSource), Value: []byte(env.Source)})
	}
	if env.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderCorrelationID), Value: []byte(env.CorrelationID)})
	}
	return headers
}

func eventType(value any) string {
	if ev, ok := value.(Enveloped); ok {
		return ev.EventEnvelope().EventType
	}
	return "unknown"
}
