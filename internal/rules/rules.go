package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fishlive/internal/domain"
)

// Snapshot is the rule set for one account at a point in time. Engines
// read a snapshot for the whole of one event so a mid-event refresh
// cannot mix old and new rules.
type Snapshot struct {
	Keywords   []domain.KeywordRule
	Deliveries []domain.DeliveryRule
	Default    domain.DefaultReply
	FetchedAt  time.Time
}

// Source is what the refresher pulls from, usually the pg store.
type Source interface {
	GetKeywordRules(ctx context.Context, accountID string) ([]domain.KeywordRule, error)
	GetDeliveryRules(ctx context.Context, accountID string) ([]domain.DeliveryRule, error)
	GetDefaultReply(ctx context.Context, accountID string) (domain.DefaultReply, error)
}

// View holds the latest good snapshot per account. Reads never block on
// the database; a failed refresh leaves the previous snapshot in place.
type View struct {
	mu   sync.RWMutex
	snap map[string]Snapshot
}

func NewView() *View {
	return &View{snap: make(map[string]Snapshot)}
}

// Get returns the current snapshot for the account. The zero Snapshot
// (no rules, default reply disabled) is returned before the first
// successful refresh.
func (v *View) Get(accountID string) Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap[accountID]
}

func (v *View) put(accountID string, s Snapshot) {
	v.mu.Lock()
	v.snap[accountID] = s
	v.mu.Unlock()
}

func (v *View) drop(accountID string) {
	v.mu.Lock()
	delete(v.snap, accountID)
	v.mu.Unlock()
}

// Refresher periodically reloads rule snapshots for a set of accounts.
type Refresher struct {
	Source      Source
	View        *View
	Interval    time.Duration
	LockTimeout time.Duration

	mu       sync.Mutex
	accounts map[string]bool
}

func NewRefresher(src Source, view *View, interval, lockTimeout time.Duration) *Refresher {
	return &Refresher{
		Source:      src,
		View:        view,
		Interval:    interval,
		LockTimeout: lockTimeout,
		accounts:    make(map[string]bool),
	}
}

// Track adds an account to the refresh set and loads its rules once,
// synchronously, so a session never starts against an empty snapshot.
func (r *Refresher) Track(ctx context.Context, accountID string) error {
	r.mu.Lock()
	r.accounts[accountID] = true
	r.mu.Unlock()
	return r.refreshOne(ctx, accountID)
}

// Untrack removes the account and its snapshot.
func (r *Refresher) Untrack(accountID string) {
	r.mu.Lock()
	delete(r.accounts, accountID)
	r.mu.Unlock()
	r.View.drop(accountID)
}

func (r *Refresher) tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		out = append(out, id)
	}
	return out
}

// Run refreshes all tracked accounts on each tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, id := range r.tracked() {
				if err := r.refreshOne(ctx, id); err != nil {
					slog.Warn("rules refresh failed, keeping previous snapshot",
						"account_id", id, "error", err)
				}
			}
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.LockTimeout)
	defer cancel()

	kw, err := r.Source.GetKeywordRules(ctx, accountID)
	if err != nil {
		return err
	}
	del, err := r.Source.GetDeliveryRules(ctx, accountID)
	if err != nil {
		return err
	}
	def, err := r.Source.GetDefaultReply(ctx, accountID)
	if err != nil {
		return err
	}
	r.View.put(accountID, Snapshot{
		Keywords:   kw,
		Deliveries: del,
		Default:    def,
		FetchedAt:  time.Now().UTC(),
	})
	return nil
}
