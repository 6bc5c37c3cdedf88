package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/catalog"
	"support-agent/internal/dialogue"
	"support-agent/internal/domain"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type fakeGate struct {
	seen  map[string]bool
	err   error
	calls int
}

func (g *fakeGate) Admit(_ context.Context, key string) (bool, error) {
	g.calls++
	if g.err != nil {
		return false, g.err
	}
	if g.seen == nil {
		g.seen = map[string]bool{}
	}
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

// fakeStore is an in-memory versioned session store. Save behaves like the
// conditional put: it fails with ErrStateConflict unless the caller's version
// matches the stored one.
type fakeStore struct {
	session   domain.Session
	intent    string
	count     int
	conflicts int
	loadErr   error
	saveErr   error
	bumpErr   error
	loads     int
	saves     int
	resets    int
	// afterLoad runs once, after the next Load has taken its snapshot.
	afterLoad func()
}

func (s *fakeStore) current() domain.Session {
	if s.session.State.Status == "" {
		s.session = domain.NewSession()
	}
	return s.session
}

func (s *fakeStore) Load(_ context.Context, _ string) (domain.Session, error) {
	s.loads++
	if s.loadErr != nil {
		return domain.Session{}, s.loadErr
	}
	if hook := s.afterLoad; hook != nil {
		s.afterLoad = nil
		defer hook()
	}
	sess := s.current()
	sess.ShownItems = append([]string{}, sess.ShownItems...)
	return sess, nil
}

func (s *fakeStore) Save(_ context.Context, _ string, sess domain.Session) error {
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("store: %w", domain.ErrStateConflict)
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	if sess.State.Version != s.current().State.Version {
		return fmt.Errorf("store: %w", domain.ErrStateConflict)
	}
	s.saves++
	sess.State.Version++
	sess.ShownItems = append([]string{}, sess.ShownItems...)
	s.session = sess
	return nil
}

func (s *fakeStore) Reset(_ context.Context, _ string) (domain.Session, error) {
	s.resets++
	sess := domain.NewSession()
	sess.State.Version = s.current().State.Version + 1
	s.session = sess
	s.intent, s.count = "", 0
	return sess, nil
}

func (s *fakeStore) BumpRepeatedIntent(_ context.Context, _ string, intent string) (int, error) {
	if s.bumpErr != nil {
		return 0, s.bumpErr
	}
	if s.intent == intent {
		s.count++
	} else {
		s.intent, s.count = intent, 1
	}
	return s.count, nil
}

type fakeDelivery struct {
	delivered []domain.Envelope
	errs      []error
	onDeliver func()
}

func (d *fakeDelivery) Deliver(_ context.Context, env domain.Envelope) error {
	d.delivered = append(d.delivered, env)
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	if hook := d.onDeliver; hook != nil {
		hook()
	}
	return err
}

type fakeFetcher struct {
	msg   domain.Message
	err   error
	calls int
}

func (f *fakeFetcher) FetchMessage(_ context.Context, _, _ string) (domain.Message, error) {
	f.calls++
	return f.msg, f.err
}

type panickingMachine struct {
	*dialogue.Machine
}

func (panickingMachine) Run(dialogue.Input) dialogue.Output {
	panic("boom")
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func newTestMachine(t *testing.T) *dialogue.Machine {
	t.Helper()
	cat, err := catalog.New()
	require.NoError(t, err)
	n := 0
	m, err := dialogue.New(cat, dialogue.Config{
		Now: func() time.Time { return fixedNow },
		NewMessageID: func() string {
			n++
			return fmt.Sprintf("msg_%d", n)
		},
	})
	require.NoError(t, err)
	return m
}

type fixture struct {
	gate     *fakeGate
	store    *fakeStore
	delivery *fakeDelivery
	svc      *WebhookService
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{gate: &fakeGate{}, store: &fakeStore{}, delivery: &fakeDelivery{}}
	svc, err := NewWebhookService(f.gate, f.store, newTestMachine(t), f.delivery, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func incoming(eventID, messageID, content string) domain.WebhookPayload {
	return domain.WebhookPayload{
		Event:        domain.EventMessageCreated,
		EventID:      domain.ID(eventID),
		ID:           domain.ID(messageID),
		MessageType:  "incoming",
		Content:      content,
		Conversation: &domain.ConversationRef{ID: "77"},
		Sender:       &domain.Sender{ID: "5", Type: "contact"},
	}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ucErr *Error
	require.True(t, errors.As(err, &ucErr), "err=%v", err)
	require.Equal(t, code, ucErr.Code)
	return ucErr
}

func TestHandleEvent_MissingDedupKey(t *testing.T) {
	f := newFixture(t)
	p := incoming("", "", "red shoes")

	_, err := f.svc.HandleEvent(context.Background(), p)
	requireCode(t, err, ErrorAdmission)
	require.Equal(t, 0, f.gate.calls)
	require.Empty(t, f.delivery.delivered)
}

func TestHandleEvent_DuplicateIgnored(t *testing.T) {
	f := newFixture(t)
	p := incoming("evt-1", "100", "red shoes")

	first, err := f.svc.HandleEvent(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, first.Status)

	second, err := f.svc.HandleEvent(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicateIgnored, second.Status)
	require.Len(t, f.delivery.delivered, 1)
	require.Equal(t, 1, f.store.saves)
}

func TestHandleEvent_GateError(t *testing.T) {
	f := newFixture(t)
	f.gate.err = errors.New("dynamo down")

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "hi"))
	requireCode(t, err, ErrorInternal)
	require.Empty(t, f.delivery.delivered)
}

func TestHandleEvent_IgnoredEvent(t *testing.T) {
	f := newFixture(t)
	p := incoming("evt-1", "100", "red shoes")
	p.Event = "conversation_updated"

	res, err := f.svc.HandleEvent(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, StatusIgnoredEvent, res.Status)
	require.Equal(t, 1, f.gate.calls)
	require.Equal(t, 0, f.store.loads)
}

func TestHandleEvent_IgnoredNonCustomerMessage(t *testing.T) {
	cases := map[string]func(p *domain.WebhookPayload){
		"agent sender": func(p *domain.WebhookPayload) { p.Sender.Type = "agent" },
		"outgoing":     func(p *domain.WebhookPayload) { p.MessageType = "outgoing" },
		"private note": func(p *domain.WebhookPayload) { private := true; p.Private = &private },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			p := incoming("evt-1", "100", "red shoes")
			mutate(&p)

			res, err := f.svc.HandleEvent(context.Background(), p)
			require.NoError(t, err)
			require.Equal(t, StatusIgnoredNonCustomerMessage, res.Status)
			require.Empty(t, f.delivery.delivered)
		})
	}
}

func TestHandleEvent_MissingConversationID(t *testing.T) {
	f := newFixture(t)
	p := incoming("evt-1", "100", "red shoes")
	p.Conversation = nil

	_, err := f.svc.HandleEvent(context.Background(), p)
	requireCode(t, err, ErrorInvalidInput)
	require.Empty(t, f.delivery.delivered)
}

func TestHandleEvent_MissingMessageID(t *testing.T) {
	f := newFixture(t)
	p := incoming("evt-1", "", "red shoes")

	_, err := f.svc.HandleEvent(context.Background(), p)
	requireCode(t, err, ErrorInvalidInput)
}

func TestHandleEvent_ProcessesSearch(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "Red shoes"))
	require.NoError(t, err)
	require.Equal(t, Result{
		Status:         StatusProcessed,
		OutboundType:   domain.MessageProductCards,
		ConversationID: "77",
		MessageID:      "100",
	}, res)

	require.Equal(t, domain.StatusRecommending, f.store.session.State.Status)
	require.Equal(t, "100", f.store.session.State.LastUserMessageID)
	require.Equal(t, "msg_1", f.store.session.State.LastAgentMessageID)
	require.Equal(t, []string{"sku-1001", "sku-1002", "sku-1003", "sku-1004", "sku-1005"}, f.store.session.ShownItems)
	require.Len(t, f.delivery.delivered, 1)
	require.Equal(t, "77", f.delivery.delivered[0].ConversationID)
}

func TestHandleEvent_ShowMoreExcludesShownItems(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	require.NoError(t, err)
	_, err = f.svc.HandleEvent(context.Background(), incoming("evt-2", "101", "show more"))
	require.NoError(t, err)

	second := f.delivery.delivered[1].Payload.(domain.ProductCardsPayload)
	require.Len(t, second.Cards, 2)
	require.Equal(t, "sku-1006", second.Cards[0].ID)
	require.Equal(t, "sku-1007", second.Cards[1].ID)
	require.Len(t, f.store.session.ShownItems, 7)
}

func TestHandleEvent_EmptyContentDefaultsToProduct(t *testing.T) {
	f := newFixture(t)
	p := incoming("evt-1", "100", "   ")
	p.Attachments = []domain.Attachment{{ID: "1", FileType: "image"}}

	res, err := f.svc.HandleEvent(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, domain.MessageProductCards, res.OutboundType)
	require.Equal(t, "product", f.store.intent)
	require.Equal(t, "product", f.store.session.State.Pagination.LastQuery)
}

func TestHandleEvent_EmptyContentIsFetched(t *testing.T) {
	fetcher := &fakeFetcher{msg: domain.Message{ID: "100", Content: "red jacket"}}
	f := newFixture(t, WithMessageFetcher(fetcher))

	res, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", ""))
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, domain.MessageProductCards, res.OutboundType)
	require.Equal(t, []string{"sku-2002"}, f.store.session.ShownItems)
}

func TestHandleEvent_FetchFailureFallsBackToProduct(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("timeout")}
	f := newFixture(t, WithMessageFetcher(fetcher))

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", ""))
	require.NoError(t, err)
	require.Equal(t, "product", f.store.session.State.Pagination.LastQuery)
}

func TestHandleEvent_InvalidStatusResets(t *testing.T) {
	f := newFixture(t)
	f.store.session = domain.Session{State: domain.DefaultState(), ShownItems: []string{"sku-2001"}}
	f.store.session.State.Status = "bogus"
	f.store.session.State.Version = 4

	res, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, res.Status)
	require.Equal(t, 1, f.store.resets)
	require.Equal(t, domain.StatusRecommending, f.store.session.State.Status)
	require.NotContains(t, f.store.session.ShownItems, "sku-2001")
	require.Equal(t, int64(6), f.store.session.State.Version)
}

func TestHandleEvent_RepeatedIntentEscalates(t *testing.T) {
	f := newFixture(t)

	var last Result
	for i := 1; i <= 3; i++ {
		res, err := f.svc.HandleEvent(context.Background(), incoming(fmt.Sprintf("evt-%d", i), fmt.Sprint(100+i), "red shoes"))
		require.NoError(t, err)
		last = res
	}
	require.Equal(t, domain.MessageQuickReplies, last.OutboundType)
	require.Equal(t, domain.StatusClarifying, f.store.session.State.Status)
}

func TestHandleEvent_ConflictRecomputesBeforeDelivery(t *testing.T) {
	f := newFixture(t)
	f.store.conflicts = 1

	res, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, res.Status)
	require.Equal(t, 2, f.store.loads)
	require.Equal(t, 1, f.store.saves)
	require.Len(t, f.delivery.delivered, 1)
}

func TestHandleEvent_PersistentConflictFails(t *testing.T) {
	f := newFixture(t)
	f.store.conflicts = maxSaveRounds

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	ucErr := requireCode(t, err, ErrorInternal)
	require.Equal(t, "state_save_error", ucErr.Reason)
	require.ErrorIs(t, err, domain.ErrStateConflict)
	require.Equal(t, maxSaveRounds, f.store.loads)

	require.Len(t, f.delivery.delivered, 1)
	require.Equal(t, domain.MessageError, f.delivery.delivered[0].Type)
}

func TestHandleEvent_StoreErrorSendsFallback(t *testing.T) {
	f := newFixture(t)
	f.store.loadErr = errors.New("dynamo down")

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	ucErr := requireCode(t, err, ErrorInternal)
	require.Equal(t, "state_load_error", ucErr.Reason)

	require.Len(t, f.delivery.delivered, 1)
	fallback := f.delivery.delivered[0]
	require.Equal(t, "77", fallback.ConversationID)
	payload := fallback.Payload.(domain.ErrorPayload)
	require.Equal(t, "STATE_MACHINE_ERROR", payload.Code)
	require.True(t, payload.Retryable)
}

func TestHandleEvent_DeliveryFailureReturnsOriginalError(t *testing.T) {
	f := newFixture(t)
	deliveryErr := statusErr{code: 502}
	f.delivery.errs = []error{deliveryErr, errors.New("fallback failed too")}

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	ucErr := requireCode(t, err, ErrorUpstream)
	require.Equal(t, "delivery_status_502", ucErr.Reason)
	require.ErrorIs(t, err, deliveryErr)

	require.Len(t, f.delivery.delivered, 2)
	require.Equal(t, domain.MessageError, f.delivery.delivered[1].Type)

	require.Equal(t, 2, f.store.saves)
	require.Equal(t, domain.StatusIdle, f.store.session.State.Status)
	require.Empty(t, f.store.session.State.LastAgentMessageID)
	require.Empty(t, f.store.session.ShownItems)
	require.Equal(t, int64(2), f.store.session.State.Version)
}

func TestHandleEvent_UndeliveredConfirmationIsNotLeftOpen(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	require.NoError(t, err)
	before := f.store.session

	f.delivery.errs = []error{statusErr{code: 503}}
	_, err = f.svc.HandleEvent(context.Background(), incoming("evt-2", "101", "add the tote"))
	requireCode(t, err, ErrorUpstream)

	require.Equal(t, domain.StatusRecommending, f.store.session.State.Status)
	require.False(t, f.store.session.State.PendingConfirmation.IsOpen())
	require.Equal(t, before.ShownItems, f.store.session.ShownItems)
	require.Equal(t, before.State.LastAgentMessageID, f.store.session.State.LastAgentMessageID)
}

func TestHandleEvent_RollbackYieldsToNewerWrite(t *testing.T) {
	f := newFixture(t)
	other := incoming("evt-2", "101", "jackets")
	f.delivery.errs = []error{statusErr{code: 502}}
	// Another event lands between this event's save and its rollback.
	f.delivery.onDeliver = func() {
		f.delivery.onDeliver = nil
		_, err := f.svc.HandleEvent(context.Background(), other)
		require.NoError(t, err)
	}

	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	requireCode(t, err, ErrorUpstream)

	require.Equal(t, "jackets", f.store.session.State.Pagination.LastQuery)
	require.Contains(t, f.store.session.ShownItems, "sku-2001")
	require.Contains(t, f.store.session.ShownItems, "sku-1001")
}

func TestHandleEvent_ConcurrentEventsKeepEveryShownItem(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	require.NoError(t, err)

	// While "jackets" is being processed, a "show more" for the same
	// conversation runs to completion.
	f.store.afterLoad = func() {
		_, err := f.svc.HandleEvent(context.Background(), incoming("evt-2", "101", "show more"))
		require.NoError(t, err)
	}
	_, err = f.svc.HandleEvent(context.Background(), incoming("evt-3", "102", "jackets"))
	require.NoError(t, err)

	var presented []string
	for _, env := range f.delivery.delivered {
		if cards, ok := env.Payload.(domain.ProductCardsPayload); ok {
			for _, c := range cards.Cards {
				presented = append(presented, c.ID)
			}
		}
	}
	require.Contains(t, presented, "sku-1006")
	require.Contains(t, presented, "sku-2001")
	for _, id := range presented {
		require.Contains(t, f.store.session.ShownItems, id)
	}
	require.Equal(t, "jackets", f.store.session.State.Pagination.LastQuery)
}

func TestHandleEvent_PanicIsRecovered(t *testing.T) {
	gate, store, delivery := &fakeGate{}, &fakeStore{}, &fakeDelivery{}
	svc, err := NewWebhookService(gate, store, panickingMachine{newTestMachine(t)}, delivery)
	require.NoError(t, err)

	_, err = svc.HandleEvent(context.Background(), incoming("evt-1", "100", "red shoes"))
	ucErr := requireCode(t, err, ErrorInternal)
	require.Equal(t, "orchestrator_panic", ucErr.Reason)
	require.Len(t, delivery.delivered, 1)
	require.Equal(t, domain.MessageError, delivery.delivered[0].Type)
	require.Equal(t, 0, store.saves)
}

func TestNewWebhookService_Validation(t *testing.T) {
	m := newTestMachine(t)
	_, err := NewWebhookService(nil, &fakeStore{}, m, &fakeDelivery{})
	require.ErrorContains(t, err, "dedup gate")
	_, err = NewWebhookService(&fakeGate{}, nil, m, &fakeDelivery{})
	require.ErrorContains(t, err, "session store")
	_, err = NewWebhookService(&fakeGate{}, &fakeStore{}, nil, &fakeDelivery{})
	require.ErrorContains(t, err, "orchestrator")
	_, err = NewWebhookService(&fakeGate{}, &fakeStore{}, m, nil)
	require.ErrorContains(t, err, "delivery")
}
