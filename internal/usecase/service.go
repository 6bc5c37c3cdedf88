package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"support-agent/internal/dialogue"
	"support-agent/internal/domain"
)

const (
	maxSaveRounds = 3
	defaultText   = "product"
)

// Result statuses reported to the webhook caller.
const (
	StatusProcessed                 = "processed"
	StatusDuplicateIgnored          = "duplicate_ignored"
	StatusIgnoredEvent              = "ignored_event"
	StatusIgnoredNonCustomerMessage = "ignored_non_customer_message"
)

type DedupGate interface {
	Admit(ctx context.Context, dedupKey string) (bool, error)
}

// SessionStore persists the state and shown items of a conversation as one
// versioned record. Save must fail with domain.ErrStateConflict when the
// stored version differs from sess.State.Version.
type SessionStore interface {
	Load(ctx context.Context, conversationID string) (domain.Session, error)
	Save(ctx context.Context, conversationID string, sess domain.Session) error
	Reset(ctx context.Context, conversationID string) (domain.Session, error)
	BumpRepeatedIntent(ctx context.Context, conversationID, intent string) (int, error)
}

type Orchestrator interface {
	Run(in dialogue.Input) dialogue.Output
	Failure(conversationID string) domain.Envelope
}

type Delivery interface {
	Deliver(ctx context.Context, env domain.Envelope) error
}

// MessageFetcher reads a message back from the messaging platform. It is
// used when a webhook carries neither text nor attachments.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error)
}

type Result struct {
	Status         string
	OutboundType   domain.MessageType
	ConversationID string
	MessageID      string
}

// WebhookService processes one inbound webhook event end to end: admission,
// filtering, state transition, persistence and delivery.
type WebhookService struct {
	gate     DedupGate
	store    SessionStore
	machine  Orchestrator
	delivery Delivery
	fetcher  MessageFetcher
	logger   *slog.Logger
}

type Option func(*WebhookService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *WebhookService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMessageFetcher(f MessageFetcher) Option {
	return func(s *WebhookService) {
		s.fetcher = f
	}
}

func NewWebhookService(gate DedupGate, store SessionStore, machine Orchestrator, delivery Delivery, opts ...Option) (*WebhookService, error) {
	if gate == nil {
		return nil, errors.New("usecase: dedup gate must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if machine == nil {
		return nil, errors.New("usecase: orchestrator must not be nil")
	}
	if delivery == nil {
		return nil, errors.New("usecase: delivery must not be nil")
	}
	s := &WebhookService{
		gate:     gate,
		store:    store,
		machine:  machine,
		delivery: delivery,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "webhook_service")
	return s, nil
}

func (s *WebhookService) HandleEvent(ctx context.Context, payload domain.WebhookPayload) (Result, error) {
	dedupKey := strings.TrimSpace(payload.DedupKey())
	if dedupKey == "" {
		return Result{}, newError(ErrorAdmission, "missing_dedup_key", nil)
	}
	admitted, err := s.gate.Admit(ctx, dedupKey)
	if err != nil {
		return Result{}, newError(ErrorInternal, "dedup_store_error", err)
	}
	if !admitted {
		return Result{Status: StatusDuplicateIgnored}, nil
	}

	if payload.Event != domain.EventMessageCreated {
		return Result{Status: StatusIgnoredEvent}, nil
	}
	if !payload.IsIncomingCustomerMessage() {
		return Result{Status: StatusIgnoredNonCustomerMessage}, nil
	}

	conversationID := payload.ConversationID()
	msg := payload.GetMessage()
	messageID := msg.ID.String()
	if conversationID == "" || messageID == "" {
		return Result{}, newError(ErrorInvalidInput, "missing_conversation_or_message_id", nil)
	}

	logger := s.logger.With("conversation_id", conversationID, "message_id", messageID, "dedup_key", dedupKey)
	outbound, err := s.process(ctx, logger, conversationID, msg)
	if err != nil {
		logger.Error("webhook processing failed", "err", err)
		s.deliverFallback(ctx, logger, conversationID)
		return Result{}, err
	}

	logger.Info("webhook processed", "type", outbound.Type)
	return Result{
		Status:         StatusProcessed,
		OutboundType:   outbound.Type,
		ConversationID: conversationID,
		MessageID:      messageID,
	}, nil
}

func (s *WebhookService) process(ctx context.Context, logger *slog.Logger, conversationID string, msg domain.Message) (outbound domain.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrorInternal, "orchestrator_panic", fmt.Errorf("panic: %v", r))
		}
	}()

	text := s.inputText(ctx, logger, conversationID, msg)

	repeated, err := s.store.BumpRepeatedIntent(ctx, conversationID, dialogue.IntentLabel(text))
	if err != nil {
		return domain.Envelope{}, newError(ErrorInternal, "repeated_intent_error", err)
	}

	var (
		prior domain.Session
		out   dialogue.Output
	)
	for round := 1; ; round++ {
		sess, err := s.loadSession(ctx, logger, conversationID)
		if err != nil {
			return domain.Envelope{}, err
		}
		out = s.machine.Run(dialogue.Input{
			ConversationID:      conversationID,
			MessageID:           msg.ID.String(),
			Text:                text,
			State:               sess.State,
			RepeatedIntentCount: repeated,
			ShownItems:          sess.ShownItems,
		})

		next := domain.Session{State: out.State, ShownItems: out.ShownItems}
		next.State.Version = sess.State.Version
		err = s.store.Save(ctx, conversationID, next)
		if err == nil {
			prior = sess
			break
		}
		if !errors.Is(err, domain.ErrStateConflict) || round >= maxSaveRounds {
			return domain.Envelope{}, newError(ErrorInternal, "state_save_error", err)
		}
		logger.Warn("state save conflict, recomputing", "round", round)
	}

	if err := s.delivery.Deliver(ctx, out.Outbound); err != nil {
		s.rollback(ctx, logger, conversationID, prior)
		if status, ok := upstreamStatusCode(err); ok {
			return domain.Envelope{}, newError(ErrorUpstream, fmt.Sprintf("delivery_status_%d", status), err)
		}
		return domain.Envelope{}, newError(ErrorUpstream, "delivery_error", err)
	}
	return out.Outbound, nil
}

// loadSession reads the session. One with an unknown status is replaced by a
// full reset.
func (s *WebhookService) loadSession(ctx context.Context, logger *slog.Logger, conversationID string) (domain.Session, error) {
	sess, err := s.store.Load(ctx, conversationID)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "state_load_error", err)
	}
	if !sess.State.Status.Valid() {
		logger.Warn("resetting conversation with unknown status", "status", sess.State.Status)
		sess, err = s.store.Reset(ctx, conversationID)
		if err != nil {
			return domain.Session{}, newError(ErrorInternal, "state_reset_error", err)
		}
	}
	return sess, nil
}

// rollback writes prior back after the reply it led to could not be
// delivered, so the conversation does not advance past a message the
// customer never saw. A newer write from another event wins.
func (s *WebhookService) rollback(ctx context.Context, logger *slog.Logger, conversationID string, prior domain.Session) {
	restore := prior
	restore.State.Version = prior.State.Version + 1
	err := s.store.Save(ctx, conversationID, restore)
	switch {
	case err == nil:
		logger.Info("session rolled back after delivery failure", "version", restore.State.Version+1)
	case errors.Is(err, domain.ErrStateConflict):
		logger.Info("session changed before rollback, keeping newer state")
	default:
		logger.Error("session rollback failed", "err", err)
	}
}

// inputText returns the customer's text. A message that arrives without text
// or attachments is read back from the platform first; anything still empty
// becomes the generic product request.
func (s *WebhookService) inputText(ctx context.Context, logger *slog.Logger, conversationID string, msg domain.Message) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" && len(msg.Attachments) == 0 && s.fetcher != nil {
		fetched, err := s.fetcher.FetchMessage(ctx, conversationID, msg.ID.String())
		if err != nil {
			logger.Warn("fetch message failed", "err", err)
		} else {
			text = strings.TrimSpace(fetched.Content)
		}
	}
	if text == "" {
		return defaultText
	}
	return text
}

func (s *WebhookService) deliverFallback(ctx context.Context, logger *slog.Logger, conversationID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fallback delivery panicked", "panic", r)
		}
	}()
	if err := s.delivery.Deliver(ctx, s.machine.Failure(conversationID)); err != nil {
		logger.Error("fallback delivery failed", "err", err)
	}
}
