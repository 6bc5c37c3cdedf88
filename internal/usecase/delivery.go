package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"support-agent/internal/dialogue"
	"support-agent/internal/domain"
	"support-agent/internal/retry"
)

// MessagingClient is the downstream messaging platform.
type MessagingClient interface {
	PostMessage(ctx context.Context, conversationID, content string) error
	AssignConversation(ctx context.Context, conversationID, queue string) error
}

// Deliverer posts outbound envelopes to the messaging platform. Each
// downstream call is retried independently under the policy.
type Deliverer struct {
	client       MessagingClient
	policy       retry.Policy
	defaultQueue string
	logger       *slog.Logger
}

func NewDeliverer(client MessagingClient, policy retry.Policy, defaultQueue string, logger *slog.Logger) (*Deliverer, error) {
	if client == nil {
		return nil, errors.New("usecase: messaging client must not be nil")
	}
	defaultQueue = strings.TrimSpace(defaultQueue)
	if defaultQueue == "" {
		return nil, errors.New("usecase: default handoff queue must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deliverer{
		client:       client,
		policy:       policy,
		defaultQueue: defaultQueue,
		logger:       logger.With("component", "delivery"),
	}
	if d.policy.OnRetry == nil {
		d.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			d.logger.Warn("retrying delivery", "attempt", attempt, "wait", wait, "err", err)
		}
	}
	return d, nil
}

// Deliver sends env to its conversation. Handoffs reassign the conversation
// before posting the handoff message; every other type is posted as its
// text fallback.
func (d *Deliverer) Deliver(ctx context.Context, env domain.Envelope) error {
	conversationID := env.ConversationID
	if handoff, ok := env.Payload.(domain.HandoffPayload); ok {
		queue := strings.TrimSpace(handoff.Queue)
		if queue == "" {
			queue = d.defaultQueue
		}
		if err := d.policy.Do(ctx, func(ctx context.Context) error {
			return d.client.AssignConversation(ctx, conversationID, queue)
		}); err != nil {
			return fmt.Errorf("usecase: assign conversation: %w", err)
		}
		if err := d.policy.Do(ctx, func(ctx context.Context) error {
			return d.client.PostMessage(ctx, conversationID, handoff.Message)
		}); err != nil {
			return fmt.Errorf("usecase: post handoff message: %w", err)
		}
		return nil
	}

	text := dialogue.TextFallback(env)
	if err := d.policy.Do(ctx, func(ctx context.Context) error {
		return d.client.PostMessage(ctx, conversationID, text)
	}); err != nil {
		return fmt.Errorf("usecase: post message: %w", err)
	}
	return nil
}
