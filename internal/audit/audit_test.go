package audit

import (
	"testing"
	"time"
)

func TestTailReturnsRecentOldestFirst(t *testing.T) {
	l := NewLog(4)
	for i := 0; i < 3; i++ {
		l.Record(Event{AccountID: "a", Kind: "reply", Summary: string(rune('a' + i))})
	}

	tail := l.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(tail))
	}
	if tail[0].Summary != "b" || tail[1].Summary != "c" {
		t.Fatalf("wrong order: %q, %q", tail[0].Summary, tail[1].Summary)
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Record(Event{Summary: string(rune('a' + i))})
	}

	tail := l.Tail(0)
	if len(tail) != 3 {
		t.Fatalf("expected capacity-bounded tail, got %d", len(tail))
	}
	if tail[0].Summary != "c" || tail[2].Summary != "e" {
		t.Fatalf("wrong window: %+v", tail)
	}
}

func TestRecordStampsIDAndTime(t *testing.T) {
	l := NewLog(2)
	l.Record(Event{Summary: "x"})

	ev := l.Tail(1)[0]
	if ev.ID == "" {
		t.Fatalf("expected generated id")
	}
	if ev.At.IsZero() {
		t.Fatalf("expected timestamp")
	}
}

func TestSubscribersReceiveEvents(t *testing.T) {
	l := NewLog(2)
	var got []Event
	l.Subscribe(func(ev Event) { got = append(got, ev) })

	l.Record(Event{Summary: "x"})
	if len(got) != 1 || got[0].Summary != "x" {
		t.Fatalf("subscriber did not receive event: %+v", got)
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Record(Event{Summary: "x"})
	if l.Tail(5) != nil {
		t.Fatalf("expected nil tail")
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	n := &SQSNotifier{Cooldown: 300 * time.Second, last: make(map[string]time.Time)}
	base := time.Now()
	n.now = func() time.Time { return base }

	if !n.shouldSend("delivery_failed") {
		t.Fatalf("first notice should send")
	}
	if n.shouldSend("delivery_failed") {
		t.Fatalf("repeat inside cooldown should be suppressed")
	}
	if !n.shouldSend("token_refresh_failed") {
		t.Fatalf("different kind should not be suppressed")
	}

	n.now = func() time.Time { return base.Add(301 * time.Second) }
	if !n.shouldSend("delivery_failed") {
		t.Fatalf("notice after cooldown should send")
	}
}
