package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fishlive/internal/dedup"
	"fishlive/internal/domain"
	"fishlive/internal/providers/platform"
	"fishlive/internal/rules"
)

type fakePlatform struct {
	mu           sync.Mutex
	confirms     []string
	freeShips    []string
	detail       platform.OrderInfo
	detailErr    error
	confirmErr   error
	detailCalls  int
	confirmCalls int
}

func (f *fakePlatform) OrderDetail(ctx context.Context, cookies, orderID string) (platform.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	return f.detail, f.detailErr
}

func (f *fakePlatform) ConfirmShipment(ctx context.Context, cookies, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirms = append(f.confirms, orderID)
	return nil
}

func (f *fakePlatform) FreeShipping(ctx context.Context, cookies, orderID, itemID, buyerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeShips = append(f.freeShips, orderID)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	actions  []domain.DeliveryAction
	err      error
	executed chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{executed: make(chan struct{}, 16)}
}

func (f *fakeExecutor) Deliver(ctx context.Context, act domain.DeliveryAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.executed <- struct{}{}
		return f.err
	}
	f.actions = append(f.actions, act)
	f.executed <- struct{}{}
	return nil
}

func (f *fakeExecutor) delivered() []domain.DeliveryAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeliveryAction, len(f.actions))
	copy(out, f.actions)
	return out
}

type fakeCards struct {
	mu    sync.Mutex
	cards []string
	draws []string
}

func (f *fakeCards) DrawCard(ctx context.Context, accountID, poolID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws = append(f.draws, accountID+"/"+poolID)
	if len(f.cards) == 0 {
		return "", domain.ErrPoolEmpty
	}
	c := f.cards[0]
	f.cards = f.cards[1:]
	return c, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeNotifier) Notify(ctx context.Context, kind, subject, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}

func newEngine(p Platform) *Engine {
	return &Engine{
		Platform:        p,
		Dedup:           dedup.NewMemory(),
		DedupTTL:        time.Minute,
		DeliveryTimeout: 2 * time.Second,
		ConfirmTimeout:  2 * time.Second,
	}
}

func paymentNotice(eventID, orderID, itemID string) domain.PaymentNotice {
	return domain.PaymentNotice{
		EventMeta: domain.EventMeta{
			EventID:   eventID,
			AccountID: "acct-1",
			ItemID:    itemID,
			BuyerID:   "buyer-1",
			ChatID:    "chat-1",
		},
		OrderID: orderID,
		Trigger: domain.TriggerPayment,
	}
}

func snapWith(rs ...domain.DeliveryRule) rules.Snapshot {
	return rules.Snapshot{Deliveries: rs}
}

func waitExec(t *testing.T, ex *fakeExecutor) {
	t.Helper()
	select {
	case <-ex.executed:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not executed in time")
	}
}

func TestGenericRuleDelivers(t *testing.T) {
	p := &fakePlatform{}
	e := newEngine(p)
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "订单{order_id}的卡密：ABC"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	waitExec(t, ex)

	acts := ex.delivered()
	require.Len(t, acts, 1)
	require.Equal(t, "订单900的卡密：ABC", acts[0].Payload.Text)
	require.Equal(t, 0, p.detailCalls, "no spec rules, no detail lookup")
}

func TestSpecExactBeatsGeneric(t *testing.T) {
	p := &fakePlatform{detail: platform.OrderInfo{SpecName: "套餐", SpecValue: "豪华版"}}
	e := newEngine(p)
	ex := newFakeExecutor()
	snap := snapWith(
		domain.DeliveryRule{ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
			Payload: domain.DeliveryPayload{Text: "generic"}},
		domain.DeliveryRule{ID: 2, ItemID: "item-1", SpecName: "套餐", SpecValue: "豪华版",
			Trigger: domain.TriggerPayment, Enabled: true,
			Payload: domain.DeliveryPayload{Text: "deluxe"}, Position: 1},
	)

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	waitExec(t, ex)

	acts := ex.delivered()
	require.Len(t, acts, 1)
	require.Equal(t, "deluxe", acts[0].Payload.Text)
	require.Equal(t, 1, p.detailCalls, "spec resolved via order detail")
}

func TestDetailFailureFallsBackToGeneric(t *testing.T) {
	p := &fakePlatform{detailErr: errors.New("captcha wall")}
	e := newEngine(p)
	ex := newFakeExecutor()
	snap := snapWith(
		domain.DeliveryRule{ID: 1, ItemID: "item-1", SpecName: "套餐", SpecValue: "豪华版",
			Trigger: domain.TriggerPayment, Enabled: true,
			Payload: domain.DeliveryPayload{Text: "deluxe"}},
		domain.DeliveryRule{ID: 2, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
			Payload: domain.DeliveryPayload{Text: "generic"}, Position: 1},
	)

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	waitExec(t, ex)

	acts := ex.delivered()
	require.Len(t, acts, 1)
	require.Equal(t, "generic", acts[0].Payload.Text)
}

func TestDisabledRuleIgnored(t *testing.T) {
	e := newEngine(&fakePlatform{})
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: false,
		Payload: domain.DeliveryPayload{Text: "off"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	require.True(t, e.Drain(time.Second))
	require.Empty(t, ex.delivered())
}

func TestDuplicateEventDeliversOnce(t *testing.T) {
	e := newEngine(&fakePlatform{})
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "x"},
	})
	acct := domain.Account{ID: "acct-1"}

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, acct, ex)
	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, acct, ex)
	require.True(t, e.Drain(2*time.Second))
	require.Len(t, ex.delivered(), 1)
}

func TestConcurrentSameOrderConfirmsOnce(t *testing.T) {
	p := &fakePlatform{}
	e := newEngine(p)
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "x"},
	})
	acct := domain.Account{ID: "acct-1", AutoConfirm: true}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		eventID := "evt-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			e.Handle(context.Background(), paymentNotice(eventID, "900", "item-1"), snap, acct, ex)
		}()
	}
	wg.Wait()
	require.True(t, e.Drain(3*time.Second))

	require.Len(t, p.confirms, 1, "one confirm for the order no matter how many events")
}

func TestConfirmRetriesOnTransientError(t *testing.T) {
	p := &fakePlatform{confirmErr: domain.ErrUpstream}
	n := &fakeNotifier{}
	e := newEngine(p)
	e.Notify = n
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "x"},
	})
	acct := domain.Account{ID: "acct-1", AutoConfirm: true}

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, acct, ex)
	require.True(t, e.Drain(5*time.Second))

	require.Equal(t, 3, p.confirmCalls)
	require.Contains(t, n.kinds, "confirm_failed")
}

func TestDeliveryFailureNotifies(t *testing.T) {
	n := &fakeNotifier{}
	e := newEngine(&fakePlatform{})
	e.Notify = n
	ex := newFakeExecutor()
	ex.err = errors.New("socket closed")
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "x"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	require.True(t, e.Drain(2*time.Second))
	require.Contains(t, n.kinds, "delivery_failed")
}

func TestPoolRuleDeliversDrawnCard(t *testing.T) {
	e := newEngine(&fakePlatform{})
	cards := &fakeCards{cards: []string{"CARD-001"}}
	e.Cards = cards
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{PoolID: "pool-9"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	waitExec(t, ex)

	acts := ex.delivered()
	require.Len(t, acts, 1)
	require.Equal(t, "CARD-001", acts[0].Payload.Text)
	require.Equal(t, []string{"acct-1/pool-9"}, cards.draws)
}

func TestExhaustedPoolNotifies(t *testing.T) {
	n := &fakeNotifier{}
	e := newEngine(&fakePlatform{})
	e.Cards = &fakeCards{}
	e.Notify = n
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Payload: domain.DeliveryPayload{PoolID: "pool-9"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	require.True(t, e.Drain(2*time.Second))
	require.Empty(t, ex.delivered())
	require.Contains(t, n.kinds, "card_draw_failed")
}

func TestPayloadlessRuleNeverClaims(t *testing.T) {
	e := newEngine(&fakePlatform{})
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	require.True(t, e.Drain(time.Second))
	require.Empty(t, ex.delivered())

	claimed, err := e.Dedup.TryClaim(context.Background(), dedup.Key{
		AccountID: "acct-1", EventID: "evt-1", Action: "delivery",
	}, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed, "a rule that cannot deliver must not burn the claim")
}

func TestExplicitRequestTriggersFreeShipping(t *testing.T) {
	p := &fakePlatform{}
	e := newEngine(p)
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerExplicitRequest, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "again"},
	})
	notice := paymentNotice("evt-1", "900", "item-1")
	notice.Trigger = domain.TriggerExplicitRequest

	e.Handle(context.Background(), notice, snap, domain.Account{ID: "acct-1"}, ex)
	waitExec(t, ex)
	require.True(t, e.Drain(time.Second))

	require.Equal(t, []string{"900"}, p.freeShips)
	require.Len(t, ex.delivered(), 1)
}

func TestTriggerKindMustMatchRule(t *testing.T) {
	e := newEngine(&fakePlatform{})
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerExplicitRequest, Enabled: true,
		Payload: domain.DeliveryPayload{Text: "x"},
	})

	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, domain.Account{ID: "acct-1"}, ex)
	require.True(t, e.Drain(time.Second))
	require.Empty(t, ex.delivered())
}

func TestDelayHappensAfterClaim(t *testing.T) {
	e := newEngine(&fakePlatform{})
	ex := newFakeExecutor()
	snap := snapWith(domain.DeliveryRule{
		ID: 1, ItemID: "item-1", Trigger: domain.TriggerPayment, Enabled: true,
		Delay:   100 * time.Millisecond,
		Payload: domain.DeliveryPayload{Text: "x"},
	})
	acct := domain.Account{ID: "acct-1"}

	start := time.Now()
	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, acct, ex)
	require.Less(t, time.Since(start), 50*time.Millisecond, "Handle returns before the delay")

	// A duplicate arriving during the delay window must lose the claim.
	e.Handle(context.Background(), paymentNotice("evt-1", "900", "item-1"), snap, acct, ex)

	require.True(t, e.Drain(2*time.Second))
	require.Len(t, ex.delivered(), 1)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
