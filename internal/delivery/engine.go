package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fishlive/internal/dedup"
	"fishlive/internal/domain"
	"fishlive/internal/observability"
	"fishlive/internal/providers/platform"
	"fishlive/internal/rules"
	"fishlive/internal/util"
)

// Platform is the slice of the marketplace API the engine needs.
// Satisfied by *platform.Client.
type Platform interface {
	OrderDetail(ctx context.Context, cookies, orderID string) (platform.OrderInfo, error)
	ConfirmShipment(ctx context.Context, cookies, orderID string) error
	FreeShipping(ctx context.Context, cookies, orderID, itemID, buyerID string) error
}

// Executor sends the delivery payload into the buyer's chat. The session
// provides this over its live connection.
type Executor interface {
	Deliver(ctx context.Context, act domain.DeliveryAction) error
}

// Notifier receives operator-facing failure notices. Nil-safe at the
// call sites so tests can omit it.
type Notifier interface {
	Notify(ctx context.Context, kind, subject, detail string) error
}

// CardSource draws one unused card from a content pool. Satisfied by
// *pg.Store.
type CardSource interface {
	DrawCard(ctx context.Context, accountID, poolID string) (string, error)
}

// Engine turns payment notices into delivery actions. A claim on
// (account, event, "delivery") is taken before any delay timer starts,
// so a reconnect replaying the same push cannot double-deliver; a claim
// on (account, order, "confirm") guards shipment confirmation the same
// way.
type Engine struct {
	Platform Platform
	Dedup    dedup.Cache
	Cards    CardSource
	Notify   Notifier
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	DedupTTL        time.Duration
	DeliveryTimeout time.Duration
	ConfirmTimeout  time.Duration

	wg sync.WaitGroup
}

// Handle evaluates notice against the rule snapshot and, when a rule
// matches, executes the delivery on a detached context. It returns
// after the claim decision; the delay and the send happen in the
// background so the session's processor loop is never blocked.
func (e *Engine) Handle(ctx context.Context, notice domain.PaymentNotice, snap rules.Snapshot, acct domain.Account, exec Executor) {
	log := slog.Default().With("account_id", acct.ID, "order_id", notice.OrderID, "item_id", notice.ItemID)

	rule, ok := e.matchRule(ctx, notice, snap, acct)
	if !ok {
		log.Debug("no delivery rule matched")
		return
	}

	claimed, err := e.Dedup.TryClaim(ctx, dedup.Key{
		AccountID: acct.ID, EventID: notice.EventID, Action: "delivery",
	}, e.DedupTTL)
	if err != nil {
		log.Error("delivery claim failed", "error", err)
		return
	}
	if !claimed {
		observability.DedupConflicts.WithLabelValues("delivery").Inc()
		log.Info("delivery already claimed, skipping")
		return
	}

	act := domain.DeliveryAction{
		AccountID: acct.ID,
		ChatID:    notice.ChatID,
		BuyerID:   notice.BuyerID,
		ItemID:    notice.ItemID,
		OrderID:   notice.OrderID,
		Payload:   renderPayload(rule.Payload, notice),
		Delay:     rule.Delay,
	}

	// Detached: an account stop must not cancel a claimed delivery,
	// the claim is never rolled back.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(log, notice, act, acct, exec)
	}()
}

// Drain waits for in-flight deliveries, up to timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) execute(log *slog.Logger, notice domain.PaymentNotice, act domain.DeliveryAction, acct domain.Account, exec Executor) {
	if act.Delay > 0 {
		time.Sleep(act.Delay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.DeliveryTimeout)
	defer cancel()

	if act.Payload.Text == "" && act.Payload.PoolID != "" {
		text, err := e.drawCard(ctx, act.AccountID, act.Payload.PoolID)
		if err != nil {
			observability.Deliveries.WithLabelValues(acct.ID, "error").Inc()
			log.Error("card draw failed", "pool_id", act.Payload.PoolID, "error", err)
			e.notify("card_draw_failed", notice, err)
			return
		}
		act.Payload.Text = text
	}

	if notice.Trigger == domain.TriggerExplicitRequest && notice.OrderID != "" {
		if err := e.guarded(ctx, func(c context.Context) error {
			return e.Platform.FreeShipping(c, acct.Cookies, notice.OrderID, notice.ItemID, notice.BuyerID)
		}); err != nil {
			log.Warn("free shipping release failed, delivering anyway", "error", err)
		}
	}

	if err := exec.Deliver(ctx, act); err != nil {
		observability.Deliveries.WithLabelValues(acct.ID, "error").Inc()
		log.Error("delivery failed", "error", err)
		e.notify("delivery_failed", notice, err)
		return
	}
	observability.Deliveries.WithLabelValues(acct.ID, "ok").Inc()
	log.Info("delivery sent", "buyer_id", act.BuyerID)

	if acct.AutoConfirm && notice.OrderID != "" {
		e.confirm(log, notice, acct)
	}
}

func (e *Engine) confirm(log *slog.Logger, notice domain.PaymentNotice, acct domain.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), e.ConfirmTimeout)
	defer cancel()

	claimed, err := e.Dedup.TryClaim(ctx, dedup.Key{
		AccountID: acct.ID, EventID: notice.OrderID, Action: "confirm",
	}, e.DedupTTL)
	if err != nil {
		log.Error("confirm claim failed", "error", err)
		return
	}
	if !claimed {
		observability.DedupConflicts.WithLabelValues("confirm").Inc()
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := e.guarded(ctx, func(c context.Context) error {
			return e.Platform.ConfirmShipment(c, acct.Cookies, notice.OrderID)
		})
		if err == nil {
			observability.Confirms.WithLabelValues(acct.ID, "ok").Inc()
			log.Info("shipment confirmed")
			return
		}
		lastErr = err
		if !platform.ShouldRetry(err, 0) {
			break
		}
		time.Sleep(platform.Backoff(attempt))
	}
	observability.Confirms.WithLabelValues(acct.ID, "error").Inc()
	log.Error("shipment confirm failed", "error", lastErr)
	e.notify("confirm_failed", notice, lastErr)
}

// guarded applies the shared rate limit and circuit breaker around one
// platform call.
func (e *Engine) guarded(ctx context.Context, call func(context.Context) error) error {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if e.Breaker == nil {
		return call(ctx)
	}
	_, err := e.Breaker.Execute(func() (any, error) {
		return nil, call(ctx)
	})
	return err
}

func (e *Engine) drawCard(ctx context.Context, accountID, poolID string) (string, error) {
	if e.Cards == nil {
		return "", errors.New("no card source configured")
	}
	return e.Cards.DrawCard(ctx, accountID, poolID)
}

// matchRule picks the delivery rule for notice: spec-exact first, then
// generic for the item, configured order inside each bucket. When the
// item has spec-scoped rules but the notice carries no spec, the order
// detail is fetched once to resolve it. Rules with neither text nor a
// pool can never deliver, so they are skipped before any claim is
// taken.
func (e *Engine) matchRule(ctx context.Context, notice domain.PaymentNotice, snap rules.Snapshot, acct domain.Account) (domain.DeliveryRule, bool) {
	var candidates []domain.DeliveryRule
	hasSpecRules := false
	for _, r := range snap.Deliveries {
		if !r.Enabled || r.ItemID != notice.ItemID {
			continue
		}
		if r.Trigger != notice.Trigger {
			continue
		}
		if r.Payload.Text == "" && r.Payload.PoolID == "" {
			continue
		}
		if r.SpecValue != "" {
			hasSpecRules = true
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return domain.DeliveryRule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Position < candidates[j].Position })

	specName, specValue := notice.SpecName, notice.SpecValue
	if hasSpecRules && specValue == "" && notice.OrderID != "" {
		info, err := e.guardedOrderDetail(ctx, acct.Cookies, notice.OrderID)
		if err != nil {
			slog.Warn("order detail lookup failed, matching generic rules only",
				"account_id", acct.ID, "order_id", notice.OrderID, "error", err)
		} else {
			specName, specValue = info.SpecName, info.SpecValue
		}
	}

	for _, r := range candidates {
		if r.SpecValue == "" {
			continue
		}
		if r.SpecName == specName && r.SpecValue == specValue {
			return r, true
		}
	}
	for _, r := range candidates {
		if r.SpecValue == "" {
			return r, true
		}
	}
	return domain.DeliveryRule{}, false
}

func (e *Engine) guardedOrderDetail(ctx context.Context, cookies, orderID string) (platform.OrderInfo, error) {
	var info platform.OrderInfo
	err := e.guarded(ctx, func(c context.Context) error {
		var err error
		info, err = e.Platform.OrderDetail(c, cookies, orderID)
		return err
	})
	return info, err
}

// notify runs on its own context: the failure being reported is often a
// deadline on the context the caller holds.
func (e *Engine) notify(kind string, notice domain.PaymentNotice, cause error) {
	if e.Notify == nil || cause == nil {
		return
	}
	detail := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		detail = "timed out"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Notify.Notify(ctx, kind, notice.OrderID, detail); err != nil {
		slog.Warn("notification send failed", "kind", kind, "error", err)
	}
}

func renderPayload(p domain.DeliveryPayload, notice domain.PaymentNotice) domain.DeliveryPayload {
	if p.Text == "" {
		return p
	}
	p.Text = util.RenderTemplate(p.Text, map[string]string{
		"order_id":       notice.OrderID,
		"send_user_name": notice.BuyerName,
		"spec_name":      notice.SpecName,
		"spec_value":     notice.SpecValue,
		"item_id":        notice.ItemID,
	})
	return p
}
