package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fishlive/internal/audit"
	"fishlive/internal/domain"
	"fishlive/internal/fleet"
)

type fakeAccounts struct {
	accounts map[string]domain.Account
	err      error
}

func (f *fakeAccounts) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	if f.err != nil {
		return domain.Account{}, false, f.err
	}
	a, ok := f.accounts[id]
	return a, ok, nil
}

type idleRunner struct{ id string }

func (r idleRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (r idleRunner) State() domain.ConnectionState { return domain.StateAuthenticated }
func (r idleRunner) AccountID() string             { return r.id }

func testAPI() (*API, *fakeAccounts) {
	accounts := &fakeAccounts{accounts: map[string]domain.Account{
		"a1": {ID: "a1", UserID: "u1", Cookies: "unb=u1", Enabled: true},
		"a2": {ID: "a2", UserID: "u2", Cookies: "unb=u2", Enabled: false},
	}}
	f := fleet.New(func(acct domain.Account) fleet.Runner { return idleRunner{id: acct.ID} })
	return &API{
		Fleet:        f,
		Accounts:     accounts,
		Audit:        audit.NewLog(16),
		DrainTimeout: time.Second,
	}, accounts
}

func serve(a *API, method, path string) *httptest.ResponseRecorder {
	s := New()
	a.Register(s.Mux)
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	return rec
}

func TestStartThenStatus(t *testing.T) {
	a, _ := testAPI()

	rec := serve(a, http.MethodPost, "/v1/accounts/a1/start")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodGet, "/v1/accounts/a1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var st fleet.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if st.AccountID != "a1" || st.State != domain.StateAuthenticated {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStartDisabledAccountConflicts(t *testing.T) {
	a, _ := testAPI()
	rec := serve(a, http.MethodPost, "/v1/accounts/a2/start")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestStartUnknownAccount(t *testing.T) {
	a, _ := testAPI()
	rec := serve(a, http.MethodPost, "/v1/accounts/nope/start")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDoubleStartConflicts(t *testing.T) {
	a, _ := testAPI()
	serve(a, http.MethodPost, "/v1/accounts/a1/start")
	rec := serve(a, http.MethodPost, "/v1/accounts/a1/start")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestStopNotRunning(t *testing.T) {
	a, _ := testAPI()
	rec := serve(a, http.MethodPost, "/v1/accounts/a1/stop")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStopRunning(t *testing.T) {
	a, _ := testAPI()
	serve(a, http.MethodPost, "/v1/accounts/a1/start")
	rec := serve(a, http.MethodPost, "/v1/accounts/a1/stop")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = serve(a, http.MethodGet, "/v1/accounts/a1/status")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stopped account should have no status, got %d", rec.Code)
	}
}

func TestListAccountsMarksRunning(t *testing.T) {
	a, _ := testAPI()
	serve(a, http.MethodPost, "/v1/accounts/a1/start")

	rec := serve(a, http.MethodGet, "/v1/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []accountView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	byID := map[string]accountView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	if !byID["a1"].Running || byID["a2"].Running {
		t.Fatalf("unexpected running flags: %+v", byID)
	}
}

func TestListAccountsDependencyError(t *testing.T) {
	a, accounts := testAPI()
	accounts.err = errors.New("db down")
	rec := serve(a, http.MethodGet, "/v1/accounts")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestAuditTail(t *testing.T) {
	a, _ := testAPI()
	for i := 0; i < 5; i++ {
		a.Audit.RecordEvent("a1", "reply_keyword", "chat-1", "", "在的")
	}

	rec := serve(a, http.MethodGet, "/v1/audit/tail?n=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []audit.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestAuditTailBadN(t *testing.T) {
	a, _ := testAPI()
	rec := serve(a, http.MethodGet, "/v1/audit/tail?n=-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRestartRunning(t *testing.T) {
	a, _ := testAPI()
	serve(a, http.MethodPost, "/v1/accounts/a1/start")
	rec := serve(a, http.MethodPost, "/v1/accounts/a1/restart")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = serve(a, http.MethodGet, "/v1/accounts/a1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("restarted account should report status, got %d", rec.Code)
	}
}
