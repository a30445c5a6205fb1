package codec

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fishlive/internal/domain"
)

// Chat texts the platform injects for payment flow milestones. Any of
// these turns the event into a PaymentNotice.
var paymentTriggerTexts = []string{
	"[我已付款，等待你发货]",
	"[已付款，待发货]",
	"我已付款，等待你发货",
	"[记得及时发货]",
}

// freeShippingCardTitle marks the bargain-complete card that asks the
// seller to ship without waiting for the group deal.
const freeShippingCardTitle = "我已小刀，待刀成"

// System chat texts that must never get a reply.
var systemTexts = map[string]string{
	"[我已拍下，待付款]":      "ordered-unpaid",
	"[你关闭了订单，钱款已原路退返]": "order-closed",
	"发来一条消息":          "notice",
	"发来一条新消息":         "notice",
	"[买家确认收货，交易成功]":   "trade-complete",
	"快给ta一个评价吧~":      "rating-reminder",
	"快给ta一个评价吧～":      "rating-reminder",
	"卖家人不错？送Ta闲鱼小红花":  "rating-reminder",
	"[你已确认收货，交易成功]":   "trade-complete",
	"[你已发货]":          "shipped",
}

var (
	orderIDPattern       = regexp.MustCompile(`orderId=(\d+)`)
	orderDetailIDPattern = regexp.MustCompile(`order_detail\?id=(\d+)`)
	itemIDPattern        = regexp.MustCompile(`itemId=(\d+)`)
)

// ClassifyDocument turns a decoded sync document into exactly one event of
// the closed union. sellerUserID filters out the seller's own outgoing
// messages.
func ClassifyDocument(accountID, sellerUserID string, doc map[string]any, now time.Time) domain.InboundEvent {
	meta := domain.EventMeta{
		AccountID:  accountID,
		ReceivedAt: now,
	}
	meta.ChatID = firstSegment(str(dig(doc, "1", "2")))
	meta.ItemID = extractItemID(doc)
	meta.EventID = extractEventID(doc, meta.ChatID)

	// Order status reminders arrive without chat content.
	if red := str(dig(doc, "3", "redReminder")); red != "" {
		meta.BuyerID = firstSegment(str(dig(doc, "1")))
		switch red {
		case "等待卖家发货":
			return domain.PaymentNotice{
				EventMeta: meta,
				OrderID:   extractOrderID(doc),
				Trigger:   domain.TriggerPayment,
				Text:      red,
			}
		case "等待买家付款":
			return domain.OtherNotice{EventMeta: meta, Label: "waiting-payment", Text: red}
		case "交易关闭":
			return domain.OtherNotice{EventMeta: meta, Label: "trade-closed", Text: red}
		default:
			return domain.OtherNotice{EventMeta: meta, Label: "order-status", Text: red}
		}
	}

	detail, ok := dig(doc, "1", "10").(map[string]any)
	if !ok {
		return domain.OtherNotice{EventMeta: meta, Label: "unclassified"}
	}
	text := str(detail["reminderContent"])
	if text == "" {
		return domain.OtherNotice{EventMeta: meta, Label: "unclassified"}
	}

	meta.BuyerID = str(detail["senderUserId"])
	buyerName := str(detail["senderNick"])
	if buyerName == "" {
		buyerName = str(detail["reminderTitle"])
	}
	sentAt := time.UnixMilli(intval(dig(doc, "1", "5")))

	if meta.BuyerID == sellerUserID {
		return domain.OtherNotice{EventMeta: meta, Label: "outgoing", Text: text}
	}
	if label, ok := systemTexts[text]; ok {
		return domain.OtherNotice{EventMeta: meta, Label: label, Text: text}
	}

	for _, trigger := range paymentTriggerTexts {
		if strings.Contains(text, trigger) {
			return domain.PaymentNotice{
				EventMeta: meta,
				OrderID:   extractOrderID(doc),
				BuyerName: buyerName,
				Trigger:   domain.TriggerPayment,
				Text:      text,
			}
		}
	}

	if text == "[卡片消息]" {
		if cardTitle(doc) == freeShippingCardTitle {
			return domain.PaymentNotice{
				EventMeta: meta,
				OrderID:   extractOrderID(doc),
				BuyerName: buyerName,
				Trigger:   domain.TriggerExplicitRequest,
				Text:      text,
			}
		}
		return domain.OtherNotice{EventMeta: meta, Label: "card", Text: text}
	}

	return domain.ChatMessage{
		EventMeta: meta,
		BuyerName: buyerName,
		Text:      text,
		SentAt:    sentAt,
	}
}

func extractItemID(doc map[string]any) string {
	if url := str(dig(doc, "1", "10", "reminderUrl")); url != "" {
		if m := itemIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

// extractEventID prefers the platform message id; when a document carries
// none, the chat id and send time still identify the event across
// redeliveries of the same push.
func extractEventID(doc map[string]any, chatID string) string {
	if id := str(dig(doc, "1", "3")); id != "" {
		return id
	}
	return chatID + "-" + strconv.FormatInt(intval(dig(doc, "1", "5")), 10)
}

// extractOrderID digs the order id out of the payment card: the action
// button url first, then the card target url, then the dynamic variant.
func extractOrderID(doc map[string]any) string {
	contentJSON := str(dig(doc, "1", "6", "3", "5"))
	if contentJSON == "" {
		return ""
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return ""
	}
	candidates := []string{
		str(dig(content, "dxCard", "item", "main", "exContent", "button", "targetUrl")),
		str(dig(content, "dxCard", "item", "main", "targetUrl")),
		str(dig(content, "dynamicOperation", "changeContent", "dxCard", "item", "main", "exContent", "button", "targetUrl")),
	}
	for _, url := range candidates {
		if url == "" {
			continue
		}
		if m := orderIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
		if m := orderDetailIDPattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

func cardTitle(doc map[string]any) string {
	contentJSON := str(dig(doc, "1", "6", "3", "5"))
	if contentJSON == "" {
		return ""
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return ""
	}
	return str(dig(content, "dxCard", "item", "main", "exContent", "title"))
}

// firstSegment strips the "@goofish" suffix off ids.
func firstSegment(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// dig walks nested string-keyed maps; nil when any hop is missing.
func dig(v any, keys ...string) any {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intval(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
