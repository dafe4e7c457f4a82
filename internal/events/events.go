// Package events publishes session lifecycle events to Kafka. Delivery is
// best effort and at most once; a failed publish never rolls back the store
// write it follows.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
)

// Topic is the session event topic.
const Topic = "cfs-session-events"

// Event types.
const (
	TypeCreate = "CREATE"
	TypeDelete = "DELETE"
)

const produceTimeout = 500 * time.Millisecond

// Publisher is what the session handlers call.
type Publisher interface {
	Produce(eventType string, data map[string]any) error
	Healthy() error
}

// Producer wraps a sarama SyncProducer. The connection is established
// lazily on first use; a publish that fails tears the connection down and
// retries once on a fresh one, since broker endpoints can move underneath a
// long-lived pod.
type Producer struct {
	mu       sync.Mutex
	brokers  func() ([]string, error)
	topic    string
	producer sarama.SyncProducer
	connect  func(brokers []string) (sarama.SyncProducer, error)
	log      logr.Logger
}

var _ Publisher = (*Producer)(nil)

// NewProducer creates a lazy producer. brokers is called on every
// (re)connect so a moved broker service is picked up.
func NewProducer(brokers func() ([]string, error), log logr.Logger) *Producer {
	return &Producer{
		brokers: brokers,
		topic:   Topic,
		connect: defaultConnect,
		log:     log.WithName("events"),
	}
}

// NewProducerWithClient wires an existing SyncProducer, used by tests with
// sarama's mock producer.
func NewProducerWithClient(client sarama.SyncProducer, log logr.Logger) *Producer {
	return &Producer{
		brokers:  func() ([]string, error) { return nil, nil },
		topic:    Topic,
		producer: client,
		connect:  func([]string) (sarama.SyncProducer, error) { return client, nil },
		log:      log.WithName("events"),
	}
}

func defaultConnect(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Timeout = produceTimeout
	return sarama.NewSyncProducer(brokers, cfg)
}

// Produce publishes {"type": eventType, "data": data} to the session topic.
// On failure the connection is reopened and the publish retried once.
func (p *Producer) Produce(eventType string, data map[string]any) error {
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: p.topic, Value: sarama.ByteEncoder(payload)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureProducerLocked(); err != nil {
		return err
	}
	if _, _, err := p.producer.SendMessage(msg); err == nil {
		return nil
	} else {
		p.log.Info("publish failed; reconnecting and retrying", "error", err.Error())
	}
	p.closeLocked()
	if err := p.ensureProducerLocked(); err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

// Healthy reports whether a producer connection can be established.
func (p *Producer) Healthy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureProducerLocked()
}

// Close releases the underlying connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Producer) ensureProducerLocked() error {
	if p.producer != nil {
		return nil
	}
	brokers, err := p.brokers()
	if err != nil {
		return err
	}
	producer, err := p.connect(brokers)
	if err != nil {
		return err
	}
	p.producer = producer
	return nil
}

func (p *Producer) closeLocked() {
	if p.producer == nil {
		return
	}
	if err := p.producer.Close(); err != nil {
		p.log.Info("unable to close producer", "error", err.Error())
	}
	p.producer = nil
}
