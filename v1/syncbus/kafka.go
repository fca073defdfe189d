package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries release notifications when no topic is given.
const DefaultKafkaTopic = "dlock-releases"

// KafkaBus implements Bus on a single Kafka topic. Bus topics travel as the
// message key and every partition is consumed from the newest offset, so
// only releases published after construction are delivered.
type KafkaBus struct {
	topic    string
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	f        *fanout

	mu  sync.Mutex
	pcs []sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{
		topic:    topic,
		client:   client,
		producer: producer,
		consumer: consumer,
		f:        newFanout(),
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		b.Close()
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		go b.dispatch(pc)
	}
	return b, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Key))
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return transportError(err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), topic, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics { return b.f.metrics() }

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	_ = b.client.Close()
	b.f.closeAll()
}
