package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const ReconciliationStream = "checkout:reconciliation"

// StreamProducer publishes reconciliation outcomes for downstream consumers
// such as the admin dashboards.
type StreamProducer struct {
	client *redis.Client
	maxLen int64
}

func NewStreamProducer(client *redis.Client) *StreamProducer {
	return &StreamProducer{client: client, maxLen: 100_000}
}

func (p *StreamProducer) PublishReconciliationEvent(ctx context.Context, appointmentID string, eventType string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: ReconciliationStream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"appointment_id": appointmentID,
			"event_type":     eventType,
			"payload":        string(payload),
			"timestamp":      time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish reconciliation event: %w", err)
	}
	return nil
}
