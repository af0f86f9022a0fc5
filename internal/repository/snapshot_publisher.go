package repository

import (
	"context"

	"AidPull/internal/domain/models"
	pkgkafka "AidPull/pkg/kafka"
)

// KafkaSnapshotPublisher pushes finished snapshots to a Kafka topic so
// downstream consumers (dashboards, warehouses) pick them up without
// polling.
type KafkaSnapshotPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaSnapshotPublisher creates a snapshot publisher.
func NewKafkaSnapshotPublisher(producer *pkgkafka.Producer, topic string) *KafkaSnapshotPublisher {
	return &KafkaSnapshotPublisher{producer: producer, topic: topic}
}

func (p *KafkaSnapshotPublisher) Publish(ctx context.Context, snap *models.ConsolidatedSnapshot) error {
	// Key by version so log-compacted topics keep every snapshot
	// distinguishable and ordering is preserved per partition.
	key := []byte("snapshot")
	return p.producer.Publish(ctx, p.topic, key, snap)
}

func (p *KafkaSnapshotPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
