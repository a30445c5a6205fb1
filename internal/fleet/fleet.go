package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fishlive/internal/domain"
)

// Runner is one account's session. Satisfied by *session.Session.
type Runner interface {
	Run(ctx context.Context) error
	State() domain.ConnectionState
	AccountID() string
}

// Factory builds a fresh Runner for an account. Each (re)start gets a
// new one so no connection state leaks across lifecycles.
type Factory func(acct domain.Account) Runner

// Status is the control-API view of one supervised session.
type Status struct {
	AccountID string                 `json:"accountId"`
	State     domain.ConnectionState `json:"state"`
	StartedAt time.Time              `json:"startedAt"`
	LastError string                 `json:"lastError,omitempty"`
}

var (
	ErrAlreadyRunning = errors.New("account already running")
	ErrNotRunning     = errors.New("account not running")
)

// Fleet supervises one session per account. A session failing or
// exhausting its reconnect budget never affects its siblings.
type Fleet struct {
	Factory Factory

	// OnStart runs before a session launches (rule tracking and the
	// like); a failure aborts the start. OnStop runs after it is gone.
	OnStart func(ctx context.Context, acct domain.Account) error
	OnStop  func(accountID string)

	mu    sync.Mutex
	units map[string]*unit
}

type unit struct {
	acct      domain.Account
	runner    Runner
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu      sync.Mutex
	lastErr error
}

func New(factory Factory) *Fleet {
	return &Fleet{
		Factory: factory,
		units:   make(map[string]*unit),
	}
}

// Start launches a session for the account. ctx bounds the whole
// session lifetime, not just the call.
func (f *Fleet) Start(ctx context.Context, acct domain.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	if _, ok := f.units[acct.ID]; ok {
		f.mu.Unlock()
		return fmt.Errorf("%s: %w", acct.ID, ErrAlreadyRunning)
	}

	if f.OnStart != nil {
		if err := f.OnStart(ctx, acct); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("start hook for %s: %w", acct.ID, err)
		}
	}

	unitCtx, cancel := context.WithCancel(ctx)
	u := &unit{
		acct:      acct,
		runner:    f.Factory(acct),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	f.units[acct.ID] = u
	f.mu.Unlock()

	go func() {
		defer close(u.done)
		err := u.runner.Run(unitCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			u.mu.Lock()
			u.lastErr = err
			u.mu.Unlock()
			slog.Error("session exited", "account_id", acct.ID, "error", err)
		} else {
			slog.Info("session stopped", "account_id", acct.ID)
		}
	}()
	return nil
}

// Stop cancels the account's session and waits for it to wind down,
// up to drainTimeout.
func (f *Fleet) Stop(accountID string, drainTimeout time.Duration) error {
	f.mu.Lock()
	u, ok := f.units[accountID]
	if ok {
		delete(f.units, accountID)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrNotRunning)
	}

	u.cancel()
	select {
	case <-u.done:
	case <-time.After(drainTimeout):
		slog.Warn("session did not stop in time", "account_id", accountID)
	}
	if f.OnStop != nil {
		f.OnStop(accountID)
	}
	return nil
}

// Restart stops the account's session and starts a fresh one with the
// given account record, picking up credential or flag changes.
func (f *Fleet) Restart(ctx context.Context, acct domain.Account, drainTimeout time.Duration) error {
	if err := f.Stop(acct.ID, drainTimeout); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return f.Start(ctx, acct)
}

// Status reports one supervised session.
func (f *Fleet) Status(accountID string) (Status, bool) {
	f.mu.Lock()
	u, ok := f.units[accountID]
	f.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return u.status(), true
}

// Snapshot lists all supervised sessions, sorted by account id.
func (f *Fleet) Snapshot() []Status {
	f.mu.Lock()
	out := make([]Status, 0, len(f.units))
	for _, u := range f.units {
		out = append(out, u.status())
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// StopAll winds down every session, used at process shutdown.
func (f *Fleet) StopAll(drainTimeout time.Duration) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.units))
	for id := range f.units {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		_ = f.Stop(id, drainTimeout)
	}
}

func (u *unit) status() Status {
	u.mu.Lock()
	lastErr := ""
	if u.lastErr != nil {
		lastErr = u.lastErr.Error()
	}
	u.mu.Unlock()
	return Status{
		AccountID: u.acct.ID,
		State:     u.runner.State(),
		StartedAt: u.startedAt,
		LastError: lastErr,
	}
}
