package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"fishlive/internal/codec"
	"fishlive/internal/dedup"
	"fishlive/internal/delivery"
	"fishlive/internal/domain"
	"fishlive/internal/logging"
	"fishlive/internal/observability"
	"fishlive/internal/providers/platform"
	"fishlive/internal/reply"
	"fishlive/internal/rules"
)

// TokenSource exchanges cookies for a websocket access token.
// Satisfied by *platform.Client.
type TokenSource interface {
	RefreshToken(ctx context.Context, cookies, deviceID string) (platform.TokenResult, error)
}

// CredentialStore persists rotated cookies. Satisfied by *pg.Store.
type CredentialStore interface {
	UpdateAccountCookies(ctx context.Context, id, cookies string, now time.Time) error
}

// Auditor records processed-event summaries. Satisfied by *audit.Log.
type Auditor interface {
	RecordEvent(accountID, kind, chatID, orderID, summary string)
}

// Config is the per-session slice of the fleet configuration.
type Config struct {
	WSURL  string
	AppKey string

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	TokenRefreshInterval time.Duration
	TokenRetryInterval   time.Duration
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	ReconnectCeiling     int
	InboundBuffer        int
	DedupTTL             time.Duration
}

// Session owns one account's connection to the message gateway: the
// reconnect loop, heartbeats, credential refresh, and the decode ->
// dedup -> decide -> act pipeline for inbound pushes. All socket writes
// funnel through a single writer goroutine.
type Session struct {
	Cfg      Config
	Dialer   Dialer
	Tokens   TokenSource
	Creds    CredentialStore
	Rules    *rules.View
	Reply    *reply.Engine
	Delivery *delivery.Engine
	Dedup    dedup.Cache
	Audit    Auditor
	Notify   delivery.Notifier

	acct     domain.Account
	deviceID string
	log      *slog.Logger

	mu       sync.Mutex
	state    domain.ConnectionState
	cookies  string
	token    string
	tokenAt  time.Time
	outbound chan []byte

	lastAlive atomic.Int64
	sawAlive  atomic.Bool
}

func New(acct domain.Account, cfg Config) *Session {
	return &Session{
		Cfg:      cfg,
		acct:     acct,
		deviceID: codec.DeviceID(acct.UserID),
		cookies:  acct.Cookies,
		state:    domain.StateIdle,
		log:      logging.ForAccount(acct.ID),
	}
}

func (s *Session) AccountID() string { return s.acct.ID }

func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st domain.ConnectionState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		observability.SetSessionState(s.acct.ID, string(st))
		s.log.Info("session state", "state", st)
	}
}

// account returns the account with the current cookie string, for
// platform calls made outside the session goroutines.
func (s *Session) account() domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct
	a.Cookies = s.cookies
	return a
}

// Run connects and processes until ctx is canceled or the reconnect
// ceiling is hit. Dedup claims survive reconnects, so a replayed push
// after a drop is still delivered at most once.
func (s *Session) Run(ctx context.Context) error {
	if err := s.acct.Validate(); err != nil {
		s.setState(domain.StateClosed)
		return err
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(domain.StateClosed)
			return ctx.Err()
		}
		s.setState(domain.StateConnecting)

		s.sawAlive.Store(false)
		err := s.runConnected(ctx)
		if ctx.Err() != nil {
			s.setState(domain.StateClosed)
			return ctx.Err()
		}
		if s.sawAlive.Load() {
			attempt = 0
		}

		attempt++
		observability.Reconnects.WithLabelValues(s.acct.ID).Inc()
		if s.Cfg.ReconnectCeiling > 0 && attempt > s.Cfg.ReconnectCeiling {
			s.setState(domain.StateClosed)
			return fmt.Errorf("giving up after %d reconnect attempts: %w", attempt-1, err)
		}

		s.setState(domain.StateDegraded)
		wait := reconnectBackoff(attempt, s.Cfg.ReconnectMin, s.Cfg.ReconnectMax)
		s.log.Warn("connection lost, reconnecting", "error", err, "attempt", attempt, "backoff", wait)
		select {
		case <-ctx.Done():
			s.setState(domain.StateClosed)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func reconnectBackoff(attempt int, min, max time.Duration) time.Duration {
	d := min << (attempt - 1)
	if d <= 0 || d > max {
		d = max
	}
	// jitter so a fleet of sessions does not reconnect in lockstep
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// runConnected drives one connection: register, sync-ack, then the
// reader/writer/processor/heartbeat/watchdog/refresh goroutines until
// the first of them fails.
func (s *Session) runConnected(ctx context.Context) error {
	if err := s.ensureToken(ctx); err != nil {
		return err
	}

	conn, err := s.Dialer.Dial(ctx, s.Cfg.WSURL, s.account().Cookies)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg, err := codec.EncodeRegister(s.Cfg.AppKey, s.currentToken(), s.deviceID, codec.NewMID())
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(reg); err != nil {
		return err
	}
	ack, err := codec.EncodeSyncAck(codec.NewMID(), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(ack); err != nil {
		return err
	}
	s.setState(domain.StateAuthenticated)
	s.lastAlive.Store(time.Now().UnixNano())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, 32)
	in := make(chan []byte, s.Cfg.InboundBuffer)
	s.mu.Lock()
	s.outbound = out
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.outbound = nil
		s.mu.Unlock()
	}()

	errc := make(chan error, 6)
	fail := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); s.writerLoop(connCtx, conn, out, fail) }()
	go func() { defer wg.Done(); s.readerLoop(conn, in, fail) }()
	go func() { defer wg.Done(); s.processorLoop(connCtx, in) }()
	go func() { defer wg.Done(); s.heartbeatLoop(connCtx, fail) }()
	go func() { defer wg.Done(); s.refreshLoop(connCtx, fail) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errc:
	}
	cancel()
	conn.Close() // unblocks the reader
	wg.Wait()
	return runErr
}

func (s *Session) writerLoop(ctx context.Context, conn Conn, out <-chan []byte, fail func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			if err := conn.WriteFrame(frame); err != nil {
				fail(err)
				return
			}
		}
	}
}

// readerLoop feeds the inbound buffer. When the buffer is full the
// oldest pending frame is dropped rather than blocking the socket read.
func (s *Session) readerLoop(conn Conn, in chan []byte, fail func(error)) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			fail(err)
			return
		}
		select {
		case in <- data:
		default:
			select {
			case <-in:
				observability.FramesDropped.WithLabelValues(s.acct.ID).Inc()
				s.log.Warn("inbound buffer full, dropped oldest frame")
			default:
			}
			select {
			case in <- data:
			default:
				observability.FramesDropped.WithLabelValues(s.acct.ID).Inc()
				s.log.Warn("inbound buffer refilled, dropped newest frame")
			}
		}
	}
}

// processorLoop handles frames one at a time so per-chat ordering holds.
func (s *Session) processorLoop(ctx context.Context, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-in:
			s.handleRaw(ctx, data)
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, fail func(error)) {
	t := time.NewTicker(s.Cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, s.lastAlive.Load())
			if time.Since(last) > s.Cfg.HeartbeatTimeout {
				observability.Heartbeats.WithLabelValues(s.acct.ID, "timeout").Inc()
				fail(fmt.Errorf("no liveness ack for %s", time.Since(last).Round(time.Second)))
				return
			}
			hb, err := codec.EncodeHeartbeat(codec.NewMID())
			if err != nil {
				fail(err)
				return
			}
			if err := s.send(hb); err != nil {
				fail(err)
				return
			}
			observability.Heartbeats.WithLabelValues(s.acct.ID, "sent").Inc()
		}
	}
}

// refreshLoop renews the access token on the live connection. Transient
// failures retry sooner but never tear the connection down; the old
// token keeps working until the server says otherwise. An outright
// rejection means the credential is dead, so the session fails over to
// the reconnect path where it degrades and eventually gives up.
func (s *Session) refreshLoop(ctx context.Context, fail func(error)) {
	interval := s.Cfg.TokenRefreshInterval
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.refreshToken(ctx); err != nil {
				if errors.Is(err, domain.ErrAuthRejected) {
					fail(err)
					return
				}
				s.log.Warn("token refresh failed, will retry", "error", err)
				t.Reset(s.Cfg.TokenRetryInterval)
				continue
			}
			t.Reset(interval)
		}
	}
}

func (s *Session) ensureToken(ctx context.Context) error {
	s.mu.Lock()
	fresh := s.token != "" && time.Since(s.tokenAt) < s.Cfg.TokenRefreshInterval
	s.mu.Unlock()
	if fresh {
		return nil
	}
	return s.refreshToken(ctx)
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) refreshToken(ctx context.Context) error {
	res, err := s.Tokens.RefreshToken(ctx, s.account().Cookies, s.deviceID)

	if res.NewCookies != "" && res.NewCookies != s.account().Cookies {
		s.mu.Lock()
		s.cookies = res.NewCookies
		s.mu.Unlock()
		if s.Creds != nil {
			if perr := s.Creds.UpdateAccountCookies(ctx, s.acct.ID, res.NewCookies, time.Now().UTC()); perr != nil {
				s.log.Warn("cookie persist failed", "error", perr)
			}
		}
	}

	if err != nil {
		observability.TokenRefreshes.WithLabelValues(s.acct.ID, "error").Inc()
		if s.Notify != nil && errors.Is(err, domain.ErrAuthRejected) {
			_ = s.Notify.Notify(ctx, "token_refresh_failed", s.acct.ID, err.Error())
		}
		return err
	}

	s.mu.Lock()
	s.token = res.AccessToken
	s.tokenAt = time.Now()
	s.mu.Unlock()
	observability.TokenRefreshes.WithLabelValues(s.acct.ID, "ok").Inc()
	s.log.Info("token refreshed")
	return nil
}

// send hands a frame to the writer goroutine of the current connection.
func (s *Session) send(frame []byte) error {
	s.mu.Lock()
	out := s.outbound
	s.mu.Unlock()
	if out == nil {
		return &domain.TransportError{Op: "send", Cause: errors.New("not connected")}
	}
	select {
	case out <- frame:
		return nil
	case <-time.After(5 * time.Second):
		return &domain.TransportError{Op: "send", Cause: errors.New("writer backlogged")}
	}
}

// Deliver implements delivery.Executor over the live connection.
func (s *Session) Deliver(ctx context.Context, act domain.DeliveryAction) error {
	if act.ChatID == "" {
		return errors.New("delivery without chat id")
	}
	if act.Payload.Text == "" {
		return errors.New("empty delivery payload")
	}
	frame, err := codec.EncodeSendMessage(codec.SendMessageParams{
		MID:      codec.NewMID(),
		UUID:     codec.NewMessageUUID(),
		ChatID:   act.ChatID,
		BuyerID:  act.BuyerID,
		SellerID: s.acct.UserID,
		Text:     act.Payload.Text,
	})
	if err != nil {
		return err
	}
	return s.send(frame)
}

func (s *Session) handleRaw(ctx context.Context, data []byte) {
	f, err := codec.DecodeFrame(data)
	if err != nil {
		observability.FramesDecoded.WithLabelValues(s.acct.ID, "malformed").Inc()
		s.log.Warn("malformed frame dropped", "error", err)
		return
	}
	observability.FramesDecoded.WithLabelValues(s.acct.ID, "ok").Inc()

	if codec.IsLivenessAck(f) {
		s.lastAlive.Store(time.Now().UnixNano())
		s.sawAlive.Store(true)
		observability.Heartbeats.WithLabelValues(s.acct.ID, "ack").Inc()
		return
	}

	if codec.NeedsAck(f) {
		if ack, err := codec.EncodeAck(f, codec.NewMID()); err == nil {
			if err := s.send(ack); err != nil {
				s.log.Warn("push ack not sent", "error", err)
			}
		}
	}

	for _, payload := range codec.SyncPayloads(f) {
		doc, err := codec.DecodeSyncPayload(payload)
		if err != nil {
			observability.FramesDecoded.WithLabelValues(s.acct.ID, "malformed").Inc()
			s.log.Warn("sync payload dropped", "error", err)
			continue
		}
		ev := codec.ClassifyDocument(s.acct.ID, s.acct.UserID, doc, time.Now())
		if ev == nil {
			continue
		}
		s.dispatch(ctx, ev)
	}
}

// dispatch routes one classified event. Chat messages claim
// (account, event, "reply") here, before the decision, so a duplicate
// push can be skipped without consulting the engines.
func (s *Session) dispatch(ctx context.Context, ev domain.InboundEvent) {
	acct := s.account()
	snap := s.Rules.Get(acct.ID)

	switch e := ev.(type) {
	case domain.ChatMessage:
		claimed, err := s.Dedup.TryClaim(ctx, dedup.Key{
			AccountID: acct.ID, EventID: e.EventID, Action: "reply",
		}, s.Cfg.DedupTTL)
		if err != nil {
			s.log.Error("reply claim failed", "error", err)
			return
		}
		if !claimed {
			observability.DedupConflicts.WithLabelValues("reply").Inc()
			return
		}
		s.handleChat(ctx, e, snap, acct)

	case domain.PaymentNotice:
		s.audit(acct.ID, "payment", e.ChatID, e.OrderID,
			fmt.Sprintf("%s trigger for item %s", e.Trigger, e.ItemID))
		s.Delivery.Handle(ctx, e, snap, acct, s)

	case domain.OtherNotice:
		s.audit(acct.ID, e.Label, e.ChatID, "", e.Text)
	}
}

func (s *Session) handleChat(ctx context.Context, msg domain.ChatMessage, snap rules.Snapshot, acct domain.Account) {
	act, ok := s.Reply.Decide(ctx, msg, snap, acct)
	if !ok {
		s.audit(acct.ID, "no_reply", msg.ChatID, "", msg.Text)
		return
	}

	frame, err := codec.EncodeSendMessage(codec.SendMessageParams{
		MID:      codec.NewMID(),
		UUID:     codec.NewMessageUUID(),
		ChatID:   act.ChatID,
		BuyerID:  act.BuyerID,
		SellerID: acct.UserID,
		Text:     act.Text,
	})
	if err != nil {
		s.log.Error("reply encode failed", "error", err)
		return
	}
	if err := s.send(frame); err != nil {
		s.log.Error("reply send failed", "chat_id", act.ChatID, "error", err)
		return
	}
	s.audit(acct.ID, "reply_"+act.Source, msg.ChatID, "", act.Text)
	s.log.Info("reply sent", "chat_id", act.ChatID, "source", act.Source, "buyer", msg.BuyerName)
}

func (s *Session) audit(accountID, kind, chatID, orderID, summary string) {
	if s.Audit != nil {
		s.Audit.RecordEvent(accountID, kind, chatID, orderID, summary)
	}
}
