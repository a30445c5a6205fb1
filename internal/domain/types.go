package domain

import (
	"errors"
	"time"
)

// ConnectionState tracks where an account's session is in its lifecycle.
// Closed is terminal; everything else is recoverable.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateAuthenticated ConnectionState = "authenticated"
	StateDegraded      ConnectionState = "degraded"
	StateClosed        ConnectionState = "closed"
)

// Account is one registered seller account. The cookie string is the
// long-lived credential; the access token derived from it is refreshed
// while the session runs.
type Account struct {
	ID          string
	UserID      string // platform user id, the "unb" cookie
	Cookies     string
	AIEnabled   bool
	AutoConfirm bool
	Enabled     bool
}

func (a Account) Validate() error {
	if a.ID == "" || a.UserID == "" || a.Cookies == "" {
		return ErrMissingFields
	}
	return nil
}

var ErrMissingFields = errors.New("missing required fields")

// EventMeta is the part shared by every inbound event. EventID is the
// platform-assigned identity used for dedup claims.
type EventMeta struct {
	EventID    string
	AccountID  string
	ItemID     string
	BuyerID    string
	ChatID     string
	ReceivedAt time.Time
}

// InboundEvent is a closed union: ChatMessage, PaymentNotice or OtherNotice.
// Handlers dispatch with an exhaustive type switch.
type InboundEvent interface {
	Meta() EventMeta
	sealed()
}

type ChatMessage struct {
	EventMeta
	BuyerName string
	Text      string
	SentAt    time.Time
}

// TriggerKind is what caused a delivery to be considered.
type TriggerKind string

const (
	TriggerPayment         TriggerKind = "payment"
	TriggerExplicitRequest TriggerKind = "explicit-request"
)

type PaymentNotice struct {
	EventMeta
	OrderID   string
	BuyerName string
	Trigger   TriggerKind
	SpecName  string
	SpecValue string
	Text      string
}

type OtherNotice struct {
	EventMeta
	Label string
	Text  string
}

func (e ChatMessage) Meta() EventMeta   { return e.EventMeta }
func (e PaymentNotice) Meta() EventMeta { return e.EventMeta }
func (e OtherNotice) Meta() EventMeta   { return e.EventMeta }

func (ChatMessage) sealed()   {}
func (PaymentNotice) sealed() {}
func (OtherNotice) sealed()   {}

// MatchMode selects how a keyword rule matches message text.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchExact     MatchMode = "exact"
)

// KeywordRule answers a chat message. ItemID empty means global scope;
// item-scoped rules beat global ones. Position is the configured order and
// is the tie-break inside a tier.
type KeywordRule struct {
	ID       int64
	ItemID   string
	Keyword  string
	Mode     MatchMode
	Reply    string
	Position int
}

// DeliveryRule maps a paid item (optionally one variant) to the payload
// handed to the delivery executor. Empty SpecValue means the rule is
// generic for the item.
type DeliveryRule struct {
	ID        int64
	ItemID    string
	SpecName  string
	SpecValue string
	Trigger   TriggerKind
	Payload   DeliveryPayload
	Delay     time.Duration
	Enabled   bool
	Position  int
}

// DeliveryPayload is either static text or a reference to a card pool the
// executor draws from.
type DeliveryPayload struct {
	Text   string
	PoolID string
}

// DefaultReply is the lowest-priority reply tier, configured per account.
type DefaultReply struct {
	Enabled bool
	Content string
}

type ReplyAction struct {
	AccountID string
	ChatID    string
	BuyerID   string
	Text      string
	Source    string // "keyword", "ai" or "default"
}

type DeliveryAction struct {
	AccountID string
	ChatID    string
	BuyerID   string
	ItemID    string
	OrderID   string
	Payload   DeliveryPayload
	Delay     time.Duration
}

type DeliveryReceipt struct {
	ID          string
	DeliveredAt time.Time
}
