package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/logger"
)

// NewProducer builds a sync producer that waits for all replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return sarama.NewSyncProducer(brokers, cfg)
}

// KafkaSink queues events in a bounded buffer and publishes them from one
// goroutine, keyed by account so a consumer sees one account's events in order.
// When the buffer is full the event is dropped with a warning.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewKafkaSink(producer sarama.SyncProducer, topic string, buffer int, log *zap.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		log:      logger.OrGlobal(log),
		queue:    make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) Notify(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.log.Warn("notification dropped, buffer full", zap.String("kind", e.Kind), zap.String("account_id", e.AccountID.String()))
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for e := range s.queue {
		s.publish(e)
	}
}

func (s *KafkaSink) publish(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("encode notification", zap.String("kind", e.Kind), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.AccountID.String()),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		s.log.Warn("publish notification", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// Close drains queued events and closes the producer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.producer.Close()
}
