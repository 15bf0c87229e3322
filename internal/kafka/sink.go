package kafka

import "context"

// TopicJobEvents carries every orchestrator event, keyed by job ID so a
// partition preserves per-job order.
const TopicJobEvents = "batchflow.job-events"

// Sink binds a Producer to a fixed topic. It satisfies the
// orchestrator's event sink without the orchestrator knowing Kafka.
type Sink struct {
	producer Producer
	topic    string
}

// NewSink wraps a producer for the given topic.
func NewSink(p Producer, topic string) *Sink {
	return &Sink{producer: p, topic: topic}
}

func (s *Sink) Publish(ctx context.Context, key string, value []byte) error {
	return s.producer.Publish(ctx, s.topic, key, value)
}
