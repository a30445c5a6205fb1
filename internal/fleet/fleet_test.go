package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fishlive/internal/domain"
)

type fakeRunner struct {
	id      string
	runErr  error
	mu      sync.Mutex
	state   domain.ConnectionState
	started chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.setState(domain.StateAuthenticated)
	close(r.started)
	if r.runErr != nil {
		r.setState(domain.StateClosed)
		return r.runErr
	}
	<-ctx.Done()
	r.setState(domain.StateClosed)
	return ctx.Err()
}

func (r *fakeRunner) setState(s domain.ConnectionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *fakeRunner) State() domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRunner) AccountID() string { return r.id }

type runnerSet struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
	failIDs map[string]error
}

func newRunnerSet() *runnerSet {
	return &runnerSet{runners: make(map[string]*fakeRunner), failIDs: make(map[string]error)}
}

func (s *runnerSet) factory(acct domain.Account) Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &fakeRunner{id: acct.ID, state: domain.StateIdle, started: make(chan struct{}), runErr: s.failIDs[acct.ID]}
	s.runners[acct.ID] = r
	return r
}

func (s *runnerSet) waitStarted(t *testing.T, id string) *fakeRunner {
	t.Helper()
	s.mu.Lock()
	r := s.runners[id]
	s.mu.Unlock()
	require.NotNil(t, r)
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatalf("runner %s never started", id)
	}
	return r
}

func acct(id string) domain.Account {
	return domain.Account{ID: id, UserID: "u-" + id, Cookies: "unb=u-" + id, Enabled: true}
}

func TestStartAndStatus(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)

	require.NoError(t, f.Start(context.Background(), acct("a1")))
	set.waitStarted(t, "a1")

	st, ok := f.Status("a1")
	require.True(t, ok)
	require.Equal(t, domain.StateAuthenticated, st.State)
	require.False(t, st.StartedAt.IsZero())
}

func TestDuplicateStartRejected(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)

	require.NoError(t, f.Start(context.Background(), acct("a1")))
	err := f.Start(context.Background(), acct("a1"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestInvalidAccountRejected(t *testing.T) {
	f := New(newRunnerSet().factory)
	err := f.Start(context.Background(), domain.Account{ID: "a1"})
	require.ErrorIs(t, err, domain.ErrMissingFields)
}

func TestStopRemovesUnit(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)
	var stopped []string
	f.OnStop = func(id string) { stopped = append(stopped, id) }

	require.NoError(t, f.Start(context.Background(), acct("a1")))
	set.waitStarted(t, "a1")

	require.NoError(t, f.Stop("a1", time.Second))
	_, ok := f.Status("a1")
	require.False(t, ok)
	require.Equal(t, []string{"a1"}, stopped)

	require.ErrorIs(t, f.Stop("a1", time.Second), ErrNotRunning)
}

func TestFailedSessionIsolated(t *testing.T) {
	set := newRunnerSet()
	set.failIDs["bad"] = errors.New("giving up after 20 reconnect attempts")
	f := New(set.factory)

	require.NoError(t, f.Start(context.Background(), acct("good")))
	require.NoError(t, f.Start(context.Background(), acct("bad")))
	set.waitStarted(t, "good")
	set.waitStarted(t, "bad")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, _ := f.Status("bad"); st.LastError != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bad, ok := f.Status("bad")
	require.True(t, ok, "failed unit stays visible with its error")
	require.Contains(t, bad.LastError, "giving up")

	good, ok := f.Status("good")
	require.True(t, ok)
	require.Equal(t, domain.StateAuthenticated, good.State)
}

func TestRestartBuildsFreshRunner(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)

	require.NoError(t, f.Start(context.Background(), acct("a1")))
	first := set.waitStarted(t, "a1")

	require.NoError(t, f.Restart(context.Background(), acct("a1"), time.Second))
	second := set.waitStarted(t, "a1")
	require.NotSame(t, first, second)
}

func TestRestartWhenNotRunningStarts(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)

	require.NoError(t, f.Restart(context.Background(), acct("a1"), time.Second))
	set.waitStarted(t, "a1")
}

func TestStartHookFailureAborts(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)
	f.OnStart = func(ctx context.Context, a domain.Account) error {
		return errors.New("rules unavailable")
	}

	err := f.Start(context.Background(), acct("a1"))
	require.Error(t, err)
	_, ok := f.Status("a1")
	require.False(t, ok)
}

func TestSnapshotSorted(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, f.Start(context.Background(), acct(id)))
	}

	snap := f.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "a", snap[0].AccountID)
	require.Equal(t, "c", snap[2].AccountID)
}

func TestStopAll(t *testing.T) {
	set := newRunnerSet()
	f := New(set.factory)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.Start(context.Background(), acct(id)))
		set.waitStarted(t, id)
	}

	f.StopAll(time.Second)
	require.Empty(t, f.Snapshot())
}
