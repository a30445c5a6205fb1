package codec

import (
	"encoding/base64"
	"encoding/json"

	"fishlive/internal/domain"
)

// lwp request paths used by the platform's messaging channel.
const (
	PathRegister    = "/reg"
	PathSyncAck     = "/r/SyncStatus/ackDiff"
	PathHeartbeat   = "/!"
	PathSendMessage = "/r/MessageSend/sendByReceiverScope"
	PathCreateChat  = "/r/SingleChatConversation/create"
)

// registerUA is the user agent the platform's web client registers with.
// The channel rejects registrations without it; byte-exact on purpose.
const registerUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"

// Frame is the wire envelope. Outbound requests carry an lwp path; inbound
// responses and acks carry a code. Header values are free-form strings.
type Frame struct {
	LWP     string            `json:"lwp,omitempty"`
	Code    int               `json:"code,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// DecodeFrame parses one websocket message into an envelope. Anything that
// does not parse is a ProtocolError: log it, drop it, keep the connection.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &domain.ProtocolError{Reason: "envelope", Cause: err}
	}
	return &f, nil
}

type registerHeaders struct {
	CacheHeader string `json:"cache-header"`
	AppKey      string `json:"app-key"`
	Token       string `json:"token"`
	UA          string `json:"ua"`
	DT          string `json:"dt"`
	WV          string `json:"wv"`
	Sync        string `json:"sync"`
	DID         string `json:"did"`
	MID         string `json:"mid"`
}

type registerFrame struct {
	LWP     string          `json:"lwp"`
	Headers registerHeaders `json:"headers"`
}

// EncodeRegister builds the /reg handshake frame that authenticates the
// connection with the current access token.
func EncodeRegister(appKey, token, deviceID, mid string) ([]byte, error) {
	return json.Marshal(registerFrame{
		LWP: PathRegister,
		Headers: registerHeaders{
			CacheHeader: "app-key token ua wv",
			AppKey:      appKey,
			Token:       token,
			UA:          registerUA,
			DT:          "j",
			WV:          "im:3,au:3,sy:6",
			Sync:        "0,0;0;0;",
			DID:         deviceID,
			MID:         mid,
		},
	})
}

type midHeaders struct {
	MID string `json:"mid"`
}

type syncAckBody struct {
	Pipeline    string `json:"pipeline"`
	TooLong2Tag string `json:"tooLong2Tag"`
	Channel     string `json:"channel"`
	Topic       string `json:"topic"`
	HighPts     int64  `json:"highPts"`
	Pts         int64  `json:"pts"`
	Seq         int64  `json:"seq"`
	Timestamp   int64  `json:"timestamp"`
}

type syncAckFrame struct {
	LWP     string        `json:"lwp"`
	Headers midHeaders    `json:"headers"`
	Body    []syncAckBody `json:"body"`
}

// EncodeSyncAck acknowledges the sync pipeline position right after
// registration; nowMillis anchors the pts watermark.
func EncodeSyncAck(mid string, nowMillis int64) ([]byte, error) {
	return json.Marshal(syncAckFrame{
		LWP:     PathSyncAck,
		Headers: midHeaders{MID: mid},
		Body: []syncAckBody{{
			Pipeline:    "sync",
			TooLong2Tag: "PNM,1",
			Channel:     "sync",
			Topic:       "sync",
			HighPts:     0,
			Pts:         nowMillis * 1000,
			Seq:         0,
			Timestamp:   nowMillis,
		}},
	})
}

type heartbeatFrame struct {
	LWP     string     `json:"lwp"`
	Headers midHeaders `json:"headers"`
}

func EncodeHeartbeat(mid string) ([]byte, error) {
	return json.Marshal(heartbeatFrame{LWP: PathHeartbeat, Headers: midHeaders{MID: mid}})
}

// IsLivenessAck reports whether an inbound frame counts as a liveness
// response: a bare code-200 ack with no request path of its own.
func IsLivenessAck(f *Frame) bool {
	return f != nil && f.LWP == "" && f.Code == 200
}

type textContent struct {
	ContentType int `json:"contentType"`
	Text        struct {
		Text string `json:"text"`
	} `json:"text"`
}

type customContent struct {
	ContentType int `json:"contentType"`
	Custom      struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"custom"`
}

type sendMessageBody struct {
	UUID             string            `json:"uuid"`
	CID              string            `json:"cid"`
	ConversationType int               `json:"conversationType"`
	Content          customContent     `json:"content"`
	RedPointPolicy   int               `json:"redPointPolicy"`
	Extension        map[string]string `json:"extension"`
	Ctx              msgCtx            `json:"ctx"`
	MTags            map[string]string `json:"mtags"`
	MsgReadStatus    int               `json:"msgReadStatusSetting"`
}

type msgCtx struct {
	AppVersion string `json:"appVersion"`
	Platform   string `json:"platform"`
}

type receiversBody struct {
	ActualReceivers []string `json:"actualReceivers"`
}

type sendMessageFrame struct {
	LWP     string     `json:"lwp"`
	Headers midHeaders `json:"headers"`
	Body    [2]any     `json:"body"`
}

// SendMessageParams carries everything EncodeSendMessage needs. MID and
// UUID are injected so tests can pin them.
type SendMessageParams struct {
	MID      string
	UUID     string
	ChatID   string
	BuyerID  string
	SellerID string
	Text     string
}

// EncodeSendMessage wraps a chat reply: the text is serialized as a
// contentType-1 document, base64-packed into a contentType-101 custom
// payload, and addressed to the chat plus both participants.
func EncodeSendMessage(p SendMessageParams) ([]byte, error) {
	var inner textContent
	inner.ContentType = 1
	inner.Text.Text = p.Text
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}

	var content customContent
	content.ContentType = 101
	content.Custom.Type = 1
	content.Custom.Data = base64.StdEncoding.EncodeToString(innerJSON)

	body := sendMessageBody{
		UUID:             p.UUID,
		CID:              p.ChatID + "@goofish",
		ConversationType: 1,
		Content:          content,
		RedPointPolicy:   0,
		Extension:        map[string]string{"extJson": "{}"},
		Ctx:              msgCtx{AppVersion: "1.0", Platform: "web"},
		MTags:            map[string]string{},
		MsgReadStatus:    1,
	}
	receivers := receiversBody{
		ActualReceivers: []string{p.BuyerID + "@goofish", p.SellerID + "@goofish"},
	}
	return json.Marshal(sendMessageFrame{
		LWP:     PathSendMessage,
		Headers: midHeaders{MID: p.MID},
		Body:    [2]any{body, receivers},
	})
}

type createChatBody struct {
	PairFirst  string            `json:"pairFirst"`
	PairSecond string            `json:"pairSecond"`
	BizType    string            `json:"bizType"`
	Extension  map[string]string `json:"extension"`
	Ctx        msgCtx            `json:"ctx"`
}

type createChatFrame struct {
	LWP     string           `json:"lwp"`
	Headers midHeaders       `json:"headers"`
	Body    []createChatBody `json:"body"`
}

// EncodeCreateChat opens a single-chat conversation with a buyer about an item.
func EncodeCreateChat(mid, buyerID, sellerID, itemID string) ([]byte, error) {
	return json.Marshal(createChatFrame{
		LWP:     PathCreateChat,
		Headers: midHeaders{MID: mid},
		Body: []createChatBody{{
			PairFirst:  buyerID + "@goofish",
			PairSecond: sellerID + "@goofish",
			BizType:    "1",
			Extension:  map[string]string{"itemId": itemID},
			Ctx:        msgCtx{AppVersion: "1.0", Platform: "web"},
		}},
	})
}

type ackHeaders struct {
	MID    string `json:"mid"`
	SID    string `json:"sid"`
	AppKey string `json:"app-key,omitempty"`
	UA     string `json:"ua,omitempty"`
	DT     string `json:"dt,omitempty"`
}

type ackFrame struct {
	Code    int        `json:"code"`
	Headers ackHeaders `json:"headers"`
}

// EncodeAck answers an inbound request frame; the platform drops the
// connection when pushes go unacknowledged. Headers it sent are echoed.
func EncodeAck(inbound *Frame, fallbackMID string) ([]byte, error) {
	h := ackHeaders{
		MID:    inbound.Headers["mid"],
		SID:    inbound.Headers["sid"],
		AppKey: inbound.Headers["app-key"],
		UA:     inbound.Headers["ua"],
		DT:     inbound.Headers["dt"],
	}
	if h.MID == "" {
		h.MID = fallbackMID
	}
	return json.Marshal(ackFrame{Code: 200, Headers: h})
}

// NeedsAck reports whether an inbound frame is a platform push that must
// be acknowledged (it carries a request path or a mid of its own).
func NeedsAck(f *Frame) bool {
	return f != nil && (f.LWP != "" || f.Headers["mid"] != "")
}
