package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fishlive/internal/audit"
	"fishlive/internal/domain"
	"fishlive/internal/fleet"
)

// AccountSource looks accounts up for start/restart requests.
// Satisfied by *pg.Store.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, bool, error)
}

type API struct {
	Fleet        *fleet.Fleet
	Accounts     AccountSource
	Audit        *audit.Log
	DrainTimeout time.Duration
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/accounts", a.handleListAccounts).Methods(http.MethodGet)
	mux.HandleFunc("/v1/accounts/{id}/status", a.handleStatus).Methods(http.MethodGet)
	mux.HandleFunc("/v1/accounts/{id}/start", a.handleStart).Methods(http.MethodPost)
	mux.HandleFunc("/v1/accounts/{id}/stop", a.handleStop).Methods(http.MethodPost)
	mux.HandleFunc("/v1/accounts/{id}/restart", a.handleRestart).Methods(http.MethodPost)
	mux.HandleFunc("/v1/audit/tail", a.handleAuditTail).Methods(http.MethodGet)
}

type accountView struct {
	ID      string                 `json:"id"`
	Enabled bool                   `json:"enabled"`
	Running bool                   `json:"running"`
	State   domain.ConnectionState `json:"state,omitempty"`
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.Accounts.ListAccounts(r.Context())
	if err != nil {
		slog.Error("list accounts failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	out := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		v := accountView{ID: acct.ID, Enabled: acct.Enabled}
		if st, ok := a.Fleet.Status(acct.ID); ok {
			v.Running = true
			v.State = st.State
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	st, ok := a.Fleet.Status(id)
	if !ok {
		http.Error(w, ErrNotRunning, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acct, ok := a.lookup(w, r, id)
	if !ok {
		return
	}
	if !acct.Enabled {
		http.Error(w, ErrDisabled, http.StatusConflict)
		return
	}

	// The session must outlive this request.
	if err := a.Fleet.Start(context.WithoutCancel(r.Context()), acct); err != nil {
		if errors.Is(err, fleet.ErrAlreadyRunning) {
			http.Error(w, ErrAlreadyRunning, http.StatusConflict)
			return
		}
		slog.Error("start account failed", "err", err, "account_id", id)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	if err := a.Fleet.Stop(id, a.DrainTimeout); err != nil {
		if errors.Is(err, fleet.ErrNotRunning) {
			http.Error(w, ErrNotRunning, http.StatusNotFound)
			return
		}
		slog.Error("stop account failed", "err", err, "account_id", id)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acct, ok := a.lookup(w, r, id)
	if !ok {
		return
	}
	if !acct.Enabled {
		http.Error(w, ErrDisabled, http.StatusConflict)
		return
	}
	if err := a.Fleet.Restart(context.WithoutCancel(r.Context()), acct, a.DrainTimeout); err != nil {
		slog.Error("restart account failed", "err", err, "account_id", id)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "bad n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, a.Audit.Tail(n))
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request, id string) (domain.Account, bool) {
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return domain.Account{}, false
	}
	acct, found, err := a.Accounts.GetAccount(r.Context(), id)
	if err != nil {
		slog.Error("get account failed", "err", err, "account_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return domain.Account{}, false
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return domain.Account{}, false
	}
	return acct, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
