package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/infra/config"
)

// ErrProducerClosed is returned by Send after Close.
var ErrProducerClosed = errors.New("kafka producer closed")

// Producer wraps a Sarama AsyncProducer for audit events. Delivery failures are logged
// and counted; they never reach the caller.
type Producer struct {
	producer sarama.AsyncProducer
	logger   *zap.Logger
	cfg      config.KafkaSettings

	failed    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProducer connects to the configured brokers and starts draining delivery errors.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	saramaConfig, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := newProducer(producer, cfg, logger)
	logger.Info("kafka audit producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.String("client_id", saramaConfig.ClientID),
		zap.String("required_acks", strings.ToLower(cfg.RequiredAcks)),
	)
	return p, nil
}

func newProducer(producer sarama.AsyncProducer, cfg config.KafkaSettings, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		producer: producer,
		logger:   logger,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

func newSaramaConfig(cfg config.KafkaSettings) (*sarama.Config, error) {
	acks, err := parseRequiredAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	if id := strings.TrimSpace(cfg.ClientID); id != "" {
		saramaConfig.ClientID = id
	}

	saramaConfig.Producer.RequiredAcks = acks
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
	saramaConfig.Producer.Flush.Messages = 100
	saramaConfig.Producer.Retry.Max = 3
	// keyed by identifier so one client's denials stay ordered
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return saramaConfig, nil
}

func parseRequiredAcks(raw string) (sarama.RequiredAcks, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "leader", "local":
		return sarama.WaitForLocal, nil
	case "all":
		return sarama.WaitForAll, nil
	case "none":
		return sarama.NoResponse, nil
	default:
		return 0, fmt.Errorf("unknown kafka required_acks %q", raw)
	}
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for {
		select {
		case perr, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			if perr == nil {
				continue
			}
			p.failed.Add(1)
			fields := []zap.Field{zap.Error(perr.Err)}
			if perr.Msg != nil {
				fields = append(fields, zap.String("topic", perr.Msg.Topic))
			}
			p.logger.Error("audit event delivery failed", fields...)
		case <-p.done:
			return
		}
	}
}

// Send enqueues value on the topic for eventType. It blocks until the producer accepts
// the message or ctx ends.
func (p *Producer) Send(ctx context.Context, eventType, key string, value []byte) error {
	select {
	case <-p.done:
		return ErrProducerClosed
	default:
	}

	message := &sarama.ProducerMessage{
		Topic: p.TopicName(eventType),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-p.done:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed reports how many messages the brokers rejected after retries.
func (p *Producer) Failed() int64 {
	return p.failed.Load()
}

// Close flushes buffered messages. Calling it more than once is safe.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.logger.Info("closing kafka audit producer", zap.Int64("failed_deliveries", p.Failed()))
		close(p.done)
		p.wg.Wait()
		if cerr := p.producer.Close(); cerr != nil {
			err = fmt.Errorf("close kafka producer: %w", cerr)
		}
	})
	return err
}

// TopicName prefixes eventType with the configured topic prefix once.
func (p *Producer) TopicName(eventType string) string {
	if p.cfg.TopicPrefix == "" {
		return eventType
	}
	prefix := p.cfg.TopicPrefix + "."
	if strings.HasPrefix(eventType, prefix) {
		return eventType
	}
	return prefix + eventType
}
