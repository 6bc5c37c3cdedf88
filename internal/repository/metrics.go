package repository

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const meterName = "support-agent/repository"

// Corruption reasons reported on session_state_corrupted_total.
const (
	reasonUnparseable   = "unparseable"
	reasonInvalidStatus = "invalid_status"
)

var (
	metricsOnce      sync.Once
	corruptedCounter otelmetric.Int64Counter
	conflictCounter  otelmetric.Int64Counter
	duplicateCounter otelmetric.Int64Counter
	metricsInitErr   error
)

// initMetrics registers the counters on the global meter provider, which is
// a no-op until the runtime installs one.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)
		corruptedCounter, metricsInitErr = meter.Int64Counter("session_state_corrupted_total",
			otelmetric.WithDescription("Persisted conversation states discarded as corrupt."))
		if metricsInitErr != nil {
			return
		}
		conflictCounter, metricsInitErr = meter.Int64Counter("session_state_conflicts_total",
			otelmetric.WithDescription("Conversation state saves rejected by a concurrent writer."))
		if metricsInitErr != nil {
			return
		}
		duplicateCounter, metricsInitErr = meter.Int64Counter("dedup_duplicates_total",
			otelmetric.WithDescription("Webhook events rejected as already admitted."))
	})
}

func addCount(ctx context.Context, counter otelmetric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
}

func (c *Client) recordCorruption(ctx context.Context, conversationID, reason string, err error) {
	c.logger.Warn("discarding corrupt conversation state",
		"conversation_id", conversationID, "reason", reason, "err", err)
	addCount(ctx, corruptedCounter, attribute.String("reason", reason))
}

func (c *Client) recordConflict(ctx context.Context, conversationID string, expected int64) {
	c.logger.Warn("conversation state changed concurrently",
		"conversation_id", conversationID, "expected_version", expected)
	addCount(ctx, conflictCounter)
}

func (c *Client) recordDuplicate(ctx context.Context, dedupKey string) {
	c.logger.Info("duplicate event ignored", "dedup_key", dedupKey)
	addCount(ctx, duplicateCounter)
}
