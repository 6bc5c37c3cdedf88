// Package dialogue implements the per-conversation state machine that turns
// one customer message into the next ConversationState and one outbound
// message. It performs no I/O: the catalog lookup and the clock are the only
// collaborators.
package dialogue

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"support-agent/internal/domain"
)

const (
	defaultHandoffQueue      = "support"
	defaultConfirmationTTL   = 5 * time.Minute
	defaultEscalateAfter     = 3
	defaultMaxClarifications = 2

	actionShortlistAdd  = "shortlist_add"
	reasonLowConfidence = "low_confidence"
	codeStateMachine    = "STATE_MACHINE_ERROR"
)

// Catalog is the product lookup the machine pages through.
type Catalog interface {
	Page(query string, offset, limit int, exclude []string) []domain.Product
}

// Config tunes a Machine. Zero values select the defaults.
type Config struct {
	HandoffQueue string
	// ConfirmationTTL is how long a yes/no gate stays open.
	ConfirmationTTL time.Duration
	// EscalateAfter is the repeated-intent count that forces clarification.
	EscalateAfter int
	// MaxClarifications is the number of clarification rounds tolerated
	// before handing off to a human.
	MaxClarifications int

	Now          func() time.Time
	NewMessageID func() string
}

// Machine is the dialogue orchestrator. It is safe for concurrent use.
type Machine struct {
	catalog           Catalog
	handoffQueue      string
	confirmationTTL   time.Duration
	escalateAfter     int
	maxClarifications int
	now               func() time.Time
	newMessageID      func() string
}

// Input is everything the machine needs to process one message.
type Input struct {
	ConversationID      string
	MessageID           string
	Text                string
	State               domain.ConversationState
	RepeatedIntentCount int
	ShownItems          []string
}

// Output is the result of one transition.
type Output struct {
	State      domain.ConversationState
	Outbound   domain.Envelope
	ShownItems []string
}

// New builds a Machine over catalog.
func New(catalog Catalog, cfg Config) (*Machine, error) {
	if catalog == nil {
		return nil, errors.New("dialogue: catalog must not be nil")
	}
	m := &Machine{
		catalog:           catalog,
		handoffQueue:      strings.TrimSpace(cfg.HandoffQueue),
		confirmationTTL:   cfg.ConfirmationTTL,
		escalateAfter:     cfg.EscalateAfter,
		maxClarifications: cfg.MaxClarifications,
		now:               cfg.Now,
		newMessageID:      cfg.NewMessageID,
	}
	if m.handoffQueue == "" {
		m.handoffQueue = defaultHandoffQueue
	}
	if m.confirmationTTL <= 0 {
		m.confirmationTTL = defaultConfirmationTTL
	}
	if m.escalateAfter <= 0 {
		m.escalateAfter = defaultEscalateAfter
	}
	if m.maxClarifications <= 0 {
		m.maxClarifications = defaultMaxClarifications
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newMessageID == nil {
		m.newMessageID = func() string { return "msg_" + uuid.NewString() }
	}
	return m, nil
}

// HandoffQueue returns the queue handoffs are routed to.
func (m *Machine) HandoffQueue() string { return m.handoffQueue }

// Run applies one customer message to the conversation.
func (m *Machine) Run(in Input) Output {
	t := &turn{
		m:              m,
		conversationID: in.ConversationID,
		now:            m.now(),
		state:          Sanitize(in.State),
		shown:          dedupe(in.ShownItems),
		normalized:     Normalize(in.Text),
	}
	t.intent = ResolveIntent(t.normalized)
	t.state.LastUserMessageID = in.MessageID

	out := t.step(in.RepeatedIntentCount)

	if t.state.Status != domain.StatusAwaitingConfirmation {
		t.state.PendingConfirmation = domain.PendingConfirmation{}
	}
	t.state.LastAgentMessageID = out.MessageID
	return Output{State: t.state, Outbound: out, ShownItems: t.shown}
}

// Failure builds the generic retryable error message sent when processing
// an event fails.
func (m *Machine) Failure(conversationID string) domain.Envelope {
	return m.envelope(conversationID, m.now(), domain.ErrorPayload{
		Code:      codeStateMachine,
		Message:   "I'm having trouble processing your request right now.",
		Retryable: true,
	})
}

// Sanitize resets a state whose status is outside the known set to idle and
// clears its confirmation. Valid states are returned unchanged.
func Sanitize(s domain.ConversationState) domain.ConversationState {
	if !s.Status.Valid() {
		s.Status = domain.StatusIdle
		s.PendingConfirmation = domain.PendingConfirmation{}
	}
	if s.Pagination.Offset < 0 {
		s.Pagination.Offset = 0
	}
	if s.Pagination.Limit <= 0 || s.Pagination.Limit > domain.MaxPageSize {
		s.Pagination.Limit = domain.MaxPageSize
	}
	return s
}

type turn struct {
	m              *Machine
	conversationID string
	now            time.Time
	state          domain.ConversationState
	shown          []string
	normalized     string
	intent         Intent
}

// step evaluates the transitions in precedence order.
func (t *turn) step(repeatedIntentCount int) domain.Envelope {
	if repeatedIntentCount >= t.m.escalateAfter {
		t.state.LastIntent = string(t.intent)
		return t.clarifyOrHandoff("Can you clarify what you need?", refineReplies())
	}

	if t.state.PendingConfirmation.ExpiredAt(t.now, t.m.confirmationTTL) {
		t.state.PendingConfirmation = domain.PendingConfirmation{}
		t.state.Status = domain.StatusIdle
	}

	if t.intent == IntentConfirmation && t.state.Status == domain.StatusAwaitingConfirmation {
		return t.resolveConfirmation()
	}

	if t.intent == IntentShowMore {
		return t.showMore()
	}

	return t.search()
}

// clarifyOrHandoff records a failed clarification round and escalates to a
// human once the tolerated number of rounds is exceeded.
func (t *turn) clarifyOrHandoff(prompt string, replies []domain.QuickReply) domain.Envelope {
	t.state.Status = domain.StatusClarifying
	t.state.ClarificationAttempts++
	if t.state.ClarificationAttempts > t.m.maxClarifications {
		t.state.Status = domain.StatusHandoff
		t.state.ClarificationAttempts = 0
		return t.handoff(reasonLowConfidence)
	}
	return t.reply(domain.QuickRepliesPayload{Prompt: prompt, Replies: replies})
}

func (t *turn) resolveConfirmation() domain.Envelope {
	t.state.LastIntent = string(t.intent)
	t.state.PendingConfirmation = domain.PendingConfirmation{}
	t.state.ClarificationAttempts = 0
	if IsYes(t.normalized) {
		t.state.Status = domain.StatusRecommending
		return t.reply(domain.TextPayload{Text: "Confirmed. Proceeding with your request."})
	}
	t.state.Status = domain.StatusIdle
	return t.reply(domain.TextPayload{Text: "Cancelled. Let me know what you want instead."})
}

func (t *turn) showMore() domain.Envelope {
	if t.state.Pagination.LastQuery == "" {
		t.state.Status = domain.StatusClarifying
		t.state.ClarificationAttempts++
		return t.reply(domain.QuickRepliesPayload{
			Prompt: "What products should I continue from?",
			Replies: []domain.QuickReply{
				{Label: "Shoes", Value: "filter_shoes", Meaning: domain.MeaningFilter},
				{Label: "Jackets", Value: "filter_jackets", Meaning: domain.MeaningFilter},
			},
		})
	}

	t.state.Status = domain.StatusPaginating
	p := &t.state.Pagination
	p.Offset += p.Limit
	page := t.m.catalog.Page(p.LastQuery, p.Offset, p.Limit, t.shown)
	if len(page) == 0 {
		t.state.Status = domain.StatusIdle
		return t.reply(domain.TextPayload{Text: "No more products found."})
	}

	t.state.Status = domain.StatusRecommending
	t.markShown(page)
	return t.reply(productCards(page, "Here are more options."))
}

func (t *turn) search() domain.Envelope {
	t.state.LastIntent = string(t.intent)
	p := &t.state.Pagination
	p.LastQuery = t.normalized
	p.Offset = 0
	p.Limit = min(p.Limit, domain.MaxPageSize)

	products := t.m.catalog.Page(t.normalized, 0, p.Limit, t.shown)
	if len(products) == 0 {
		return t.clarifyOrHandoff("I need a bit more detail. Can you refine your request?", refineReplies())
	}

	t.state.Status = domain.StatusRecommending
	t.state.ClarificationAttempts = 0
	t.markShown(products)

	if signalsShortlist(t.normalized) {
		first := products[0]
		createdAt := t.now.UTC()
		t.state.Status = domain.StatusAwaitingConfirmation
		t.state.PendingConfirmation = domain.PendingConfirmation{
			Action:    actionShortlistAdd,
			TargetID:  first.ID,
			CreatedAt: &createdAt,
		}
		return t.reply(domain.QuickRepliesPayload{
			Prompt: "Confirm adding " + first.Title + " to your shortlist?",
			Replies: []domain.QuickReply{
				{Label: "Confirm", Value: "shortlist_confirm", Meaning: domain.MeaningConfirm},
				{Label: "Cancel", Value: "shortlist_cancel", Meaning: domain.MeaningCancel},
			},
		})
	}

	return t.reply(productCards(products, "Here are matching products."))
}

func (t *turn) markShown(products []domain.Product) {
	for _, p := range products {
		t.shown = append(t.shown, p.ID)
	}
	t.shown = dedupe(t.shown)
}

func (t *turn) handoff(reason string) domain.Envelope {
	return t.reply(domain.HandoffPayload{
		Reason:   reason,
		Message:  "I'm connecting you to a human agent now.",
		Queue:    t.m.handoffQueue,
		Priority: domain.PriorityNormal,
	})
}

func (t *turn) reply(p domain.Payload) domain.Envelope {
	return t.m.envelope(t.conversationID, t.now, p)
}

func (m *Machine) envelope(conversationID string, now time.Time, p domain.Payload) domain.Envelope {
	return domain.NewEnvelope(m.newMessageID(), conversationID, now, p)
}

func refineReplies() []domain.QuickReply {
	return []domain.QuickReply{
		{Label: "Show More", Value: "show_more_items", Meaning: domain.MeaningShowMore},
		{Label: "Filter", Value: "open_filter_options", Meaning: domain.MeaningFilter},
	}
}

// dedupe drops repeated ids, keeping first occurrences in order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
