package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sarama "github.com/IBM/sarama"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

// KafkaOptions configures the Kafka transport. Every peer consumes partition
// 0 of its own topic.
type KafkaOptions struct {
	Producer sarama.SyncProducer
	Consumer sarama.Consumer
	Prefix   string        // Topic prefix, "baton" by default
	Attempts int           // Produce attempts before a peer is reported unreachable (default 3)
	Backoff  time.Duration // Initial wait between attempts (default 50ms)
	DedupTTL time.Duration // How long consumed envelope ids are remembered (default 10m)
}

func (o *KafkaOptions) defaults() {
	if o.Prefix == "" {
		o.Prefix = "baton"
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
}

// KafkaPeer reaches a remote custodian by producing to its topic. Delivery is
// fire-and-forget: only failures to produce are reported, errors raised by
// the remote custodian stay on its side.
type KafkaPeer struct {
	opts  KafkaOptions
	id    lock.PeerID
	topic string
}

// NewKafkaPeer returns the stub for pid.
func NewKafkaPeer(opts KafkaOptions, pid lock.PeerID) *KafkaPeer {
	opts.defaults()
	return &KafkaPeer{opts: opts, id: pid, topic: Address(opts.Prefix, pid)}
}

// RequestToken implements lock.Peer.
func (p *KafkaPeer) RequestToken(ctx context.Context, time int64, from lock.PeerID) error {
	return p.send(ctx, NewRequest(time, from))
}

// ObtainToken implements lock.Peer.
func (p *KafkaPeer) ObtainToken(ctx context.Context, token lock.Token) error {
	return p.send(ctx, NewObtain(token))
}

func (p *KafkaPeer) send(ctx context.Context, env Envelope) error {
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(string(env.Op)).Inc()
	err = retry(ctx, p.opts.Attempts, p.opts.Backoff, func(context.Context) error {
		msg := &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(env.ID),
			Value: sarama.ByteEncoder(data),
		}
		if _, _, err := p.opts.Producer.SendMessage(msg); err != nil {
			return kafkaFailure(err)
		}
		return nil
	})
	if err != nil {
		metrics.MessagesFailed.WithLabelValues(string(env.Op)).Inc()
		return fmt.Errorf("baton: %s to peer %d: %w", env.Op, p.id, err)
	}
	return nil
}

// kafkaFailure classifies a failed produce. Only errors raised before the
// message left the client prove it was not written.
func kafkaFailure(err error) error {
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrShuttingDown):
		return fmt.Errorf("%w: %w", baterrors.ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %w: %w", baterrors.ErrUnreachable, baterrors.ErrIndeterminate, err)
}

// KafkaListener consumes the local topic and dispatches envelopes in order.
// Kafka delivers at least once, so envelope ids already handled are dropped.
type KafkaListener struct {
	pc    sarama.PartitionConsumer
	h     Handler
	dedup *dedup
	done  chan struct{}
}

// ListenKafka starts consuming the topic of self from the newest offset.
func ListenKafka(opts KafkaOptions, self lock.PeerID, h Handler) (*KafkaListener, error) {
	opts.defaults()
	d, err := newDedup(opts.DedupTTL)
	if err != nil {
		return nil, err
	}
	pc, err := opts.Consumer.ConsumePartition(Address(opts.Prefix, self), 0, sarama.OffsetNewest)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("baton: consume: %w", err)
	}
	l := &KafkaListener{pc: pc, h: h, dedup: d, done: make(chan struct{})}
	go l.run()
	return l, nil
}

func (l *KafkaListener) run() {
	defer close(l.done)
	for msg := range l.pc.Messages() {
		l.handle(msg)
	}
}

func (l *KafkaListener) handle(msg *sarama.ConsumerMessage) {
	env, err := Unmarshal(msg.Value)
	if err != nil {
		slog.Warn("baton: dropping malformed envelope", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}
	if errMsg := l.dedup.do(env.ID, func() error {
		return Dispatch(context.Background(), l.h, env)
	}); errMsg != "" {
		slog.Warn("baton: envelope rejected", "op", env.Op, "id", env.ID, "error", errMsg)
	}
}

// Close stops consuming and waits for the dispatch loop to finish.
func (l *KafkaListener) Close() error {
	err := l.pc.Close()
	<-l.done
	l.dedup.close()
	return err
}
