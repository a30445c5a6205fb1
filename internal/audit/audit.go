package audit

import (
	"log/slog"
	"sync"
	"time"

	"fishlive/internal/util"
)

// Event is one processed-event summary: what came in, what the engines
// decided, what went out.
type Event struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Kind      string    `json:"kind"`
	ChatID    string    `json:"chatId,omitempty"`
	OrderID   string    `json:"orderId,omitempty"`
	Summary   string    `json:"summary"`
	At        time.Time `json:"at"`
}

// Log records events to slog and keeps a bounded ring so the control
// API can serve a recent tail without touching storage. Subscribers get
// every event synchronously; keep them fast.
type Log struct {
	mu   sync.Mutex
	ring []Event
	next int
	full bool
	subs []func(Event)
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	return &Log{ring: make([]Event, capacity)}
}

func (l *Log) Subscribe(fn func(Event)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Record stamps the event with an id and timestamp if missing and fans
// it out. Nil receiver is a no-op so call sites don't need guards.
func (l *Log) Record(ev Event) {
	if l == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = util.NewAuditID()
	}
	if ev.At.IsZero() {
		ev.At = util.NowUTC()
	}

	slog.Info("audit",
		"audit_id", ev.ID, "account_id", ev.AccountID, "kind", ev.Kind,
		"chat_id", ev.ChatID, "order_id", ev.OrderID, "summary", util.Truncate(ev.Summary, 200))

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	subs := l.subs
	l.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// RecordEvent is the positional-argument form sessions use.
func (l *Log) RecordEvent(accountID, kind, chatID, orderID, summary string) {
	l.Record(Event{
		AccountID: accountID,
		Kind:      kind,
		ChatID:    chatID,
		OrderID:   orderID,
		Summary:   summary,
	})
}

// Tail returns up to n most recent events, oldest first.
func (l *Log) Tail(n int) []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	start := l.next - n
	if start < 0 {
		start += len(l.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}
