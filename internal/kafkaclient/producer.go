// Package kafkaclient publishes readings to Kafka with a synchronous producer
// that waits for all in-sync replicas.
package kafkaclient

import (
	"context"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
)

type Options struct {
	Brokers     []string
	ClientID    string
	Username    string
	Password    string
	DialTimeout time.Duration
	MaxRetries  int
}

type Producer struct {
	brokers []string
	cfg     *sarama.Config
	sp      sarama.SyncProducer
	events  *broker.Emitter
	log     zerolog.Logger
}

var newSyncProducer = sarama.NewSyncProducer

func New(opts Options, log zerolog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = opts.MaxRetries
	if opts.DialTimeout > 0 {
		cfg.Net.DialTimeout = opts.DialTimeout
	}
	if opts.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = opts.Username
		cfg.Net.SASL.Password = opts.Password
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}
	return &Producer{
		brokers: opts.Brokers,
		cfg:     cfg,
		events:  broker.NewEmitter(4),
		log:     log.With().Str("component", "kafka").Logger(),
	}, nil
}

// Connect dials the bootstrap brokers. Sarama reconnects to individual
// brokers on its own, so no further lifecycle events are reported.
func (p *Producer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sp, err := newSyncProducer(p.brokers, p.cfg)
	if err != nil {
		return fmt.Errorf("kafka connect %v: %w", p.brokers, err)
	}
	p.sp = sp
	p.events.Emit(broker.Connected, nil)
	return nil
}

func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.sp == nil {
		return broker.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: broker.Subject(topic),
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return err
	}
	p.log.Debug().Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("acked")
	return nil
}

func (p *Producer) Events() <-chan broker.Event {
	return p.events.Events()
}

func (p *Producer) Close() error {
	if p.sp == nil {
		return nil
	}
	return p.sp.Close()
}
