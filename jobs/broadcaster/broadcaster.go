// Package broadcaster replays journal events to Kafka. It drains the
// outbox on a fixed tick: every pending event is marked SENT, pushed
// through a synchronous producer and marked ACKED only after the
// broker confirms. A crash between SENT and ACKED re-delivers, so
// consumers must de-duplicate on the event sequence.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"fenrir/journal"
)

const defaultInterval = 250 * time.Millisecond

type Broadcaster struct {
	journal  *journal.Journal
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      *zap.Logger
	nowNS    func() int64
}

// New connects a synchronous producer. Delivery waits for all
// in-sync replicas so an ACKED journal entry is actually on disk
// broker-side.
func New(j *journal.Journal, brokers []string, topic string, log *zap.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithProducer(j, producer, topic, log), nil
}

// NewWithProducer wires an existing producer; tests inject mocks here.
func NewWithProducer(j *journal.Journal, producer sarama.SyncProducer, topic string, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		journal:  j,
		producer: producer,
		topic:    topic,
		interval: defaultInterval,
		log:      log,
		nowNS:    func() int64 { return time.Now().UnixNano() },
	}
}

// SetInterval overrides the replay tick.
func (b *Broadcaster) SetInterval(d time.Duration) { b.interval = d }

// Start launches the replay loop; it stops when ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.log.Info("broadcaster started", zap.String("topic", b.topic))
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := b.ReplayOnce(); err != nil {
					b.log.Warn("replay failed", zap.Error(err))
				} else if n > 0 {
					b.log.Debug("replayed events", zap.Int("count", n))
				}
			}
		}
	}()
}

// ReplayOnce drains the pending outbox once and returns how many
// events were acked. A send failure leaves the event SENT for the
// next tick and does not abort the pass.
func (b *Broadcaster) ReplayOnce() (int, error) {
	acked := 0
	err := b.journal.ScanPending(func(ev journal.Event, state journal.State) error {
		now := b.nowNS()
		if err := b.journal.MarkSent(ev.Seq, now); err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(ev.Source),
			Value: sarama.ByteEncoder(journal.Encode(ev)),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			b.log.Warn("send failed, will retry",
				zap.Uint64("seq", ev.Seq),
				zap.Error(err))
			return nil
		}
		if err := b.journal.MarkAcked(ev.Seq, b.nowNS()); err != nil {
			return err
		}
		acked++
		return nil
	})
	return acked, err
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
