package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fishlive/internal/codec"
	"fishlive/internal/domain"
	"fishlive/internal/observability"
)

const (
	apiRefreshToken    = "mtop.taobao.idlemessage.pc.login.token"
	apiOrderDetail     = "mtop.taobao.idle.trade.order.detail"
	apiConfirmShipment = "mtop.taobao.idle.trade.confirm.send"
	apiFreeShipping    = "mtop.taobao.idle.trade.freeshipping"

	retSuccess = "SUCCESS::调用成功"

	// fixed inner appKey the token endpoint expects alongside the mtop one
	tokenInnerAppKey = "444e9908a51d1cb236a27862abc769c9"
)

// Client talks to the marketplace mtop HTTP surface. Calls carry the
// account's cookie string and a signature derived from the `_m_h5_tk`
// cookie; responses can rotate cookies, which the caller must persist.
type Client struct {
	BaseURL string
	AppKey  string
	HTTP    *http.Client
}

// CallResult is common to all mtop responses.
type CallResult struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

// TokenResult carries the refreshed access token plus any cookies the
// server rotated during the call.
type TokenResult struct {
	AccessToken string
	NewCookies  string
}

// OrderInfo is the subset of an order detail the delivery engine needs.
type OrderInfo struct {
	OrderID   string
	ItemID    string
	SpecName  string
	SpecValue string
	Status    string
}

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://h5api.m.goofish.com"
	}
	return b
}

// call performs one signed mtop POST. The data payload is signed with
// the h5 token from the current cookies, params follow the fixed shape
// the platform's web client sends.
func (c *Client) call(ctx context.Context, api, cookies, data string) (_ CallResult, _ string, _ int, err error) {
	defer func() {
		observability.PlatformCalls.WithLabelValues(api, callOutcome(err)).Inc()
	}()

	t := strconv.FormatInt(time.Now().UnixMilli(), 10)
	token := codec.H5Token(codec.ParseCookies(cookies))

	q := url.Values{}
	q.Set("jsv", "2.7.2")
	q.Set("appKey", c.AppKey)
	q.Set("t", t)
	q.Set("sign", codec.Sign(token, t, c.AppKey, data))
	q.Set("v", "1.0")
	q.Set("type", "originaljson")
	q.Set("accountSite", "xianyu")
	q.Set("dataType", "json")
	q.Set("timeout", "20000")
	q.Set("api", api)
	q.Set("sessionOption", "AutoLoginOnly")
	q.Set("spm_cnt", "a21ybx.im.0.0")

	endpoint := c.base() + "/h5/" + api + "/1.0/?" + q.Encode()
	form := url.Values{}
	form.Set("data", data)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookies)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CallResult{}, "", 0, fmt.Errorf("%s: %w", api, domain.ErrTimeout)
		}
		return CallResult{}, "", 0, &domain.TransportError{Op: api, Cause: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	rotated := mergeSetCookies(cookies, resp.Header.Values("Set-Cookie"))

	var out CallResult
	if err := json.Unmarshal(b, &out); err != nil {
		return CallResult{}, rotated, resp.StatusCode, &domain.ProtocolError{Reason: "mtop response not json", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, rotated, resp.StatusCode, fmt.Errorf("%s: http %d: %w", api, resp.StatusCode, domain.ErrUpstream)
	}
	if !retOK(out.Ret) {
		if retSessionExpired(out.Ret) {
			return out, rotated, resp.StatusCode, fmt.Errorf("%s: %s: %w", api, strings.Join(out.Ret, ","), domain.ErrAuthRejected)
		}
		return out, rotated, resp.StatusCode, fmt.Errorf("%s: %s: %w", api, strings.Join(out.Ret, ","), domain.ErrUpstream)
	}
	return out, rotated, resp.StatusCode, nil
}

// RefreshToken exchanges the cookie session for a fresh websocket access
// token. The returned NewCookies must be persisted, the server rotates
// `_m_h5_tk` on this call.
func (c *Client) RefreshToken(ctx context.Context, cookies, deviceID string) (TokenResult, error) {
	data := `{"appKey":"` + tokenInnerAppKey + `","deviceId":"` + deviceID + `"}`
	res, rotated, _, err := c.call(ctx, apiRefreshToken, cookies, data)
	if err != nil {
		return TokenResult{NewCookies: rotated}, err
	}
	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil || body.AccessToken == "" {
		return TokenResult{NewCookies: rotated}, &domain.ProtocolError{Reason: "token response missing accessToken", Cause: err}
	}
	return TokenResult{AccessToken: body.AccessToken, NewCookies: rotated}, nil
}

// OrderDetail fetches spec name/value for an order so spec-scoped
// delivery rules can match when the payment notice lacked them.
func (c *Client) OrderDetail(ctx context.Context, cookies, orderID string) (OrderInfo, error) {
	data := `{"orderId":"` + orderID + `"}`
	res, _, _, err := c.call(ctx, apiOrderDetail, cookies, data)
	if err != nil {
		return OrderInfo{}, err
	}
	var body struct {
		OrderID   string `json:"orderId"`
		ItemID    string `json:"itemId"`
		SpecName  string `json:"specName"`
		SpecValue string `json:"specValue"`
		Status    string `json:"orderStatus"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return OrderInfo{}, &domain.ProtocolError{Reason: "order detail response malformed", Cause: err}
	}
	return OrderInfo{
		OrderID:   body.OrderID,
		ItemID:    body.ItemID,
		SpecName:  body.SpecName,
		SpecValue: body.SpecValue,
		Status:    body.Status,
	}, nil
}

// ConfirmShipment marks the order as shipped.
func (c *Client) ConfirmShipment(ctx context.Context, cookies, orderID string) error {
	data := `{"orderId":"` + orderID + `"}`
	_, _, _, err := c.call(ctx, apiConfirmShipment, cookies, data)
	return err
}

// FreeShipping releases a group-buy order so it ships without waiting
// for the pool to fill.
func (c *Client) FreeShipping(ctx context.Context, cookies, orderID, itemID, buyerID string) error {
	data := `{"orderId":"` + orderID + `","itemId":"` + itemID + `","buyerId":"` + buyerID + `"}`
	_, _, _, err := c.call(ctx, apiFreeShipping, cookies, data)
	return err
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func retOK(ret []string) bool {
	for _, r := range ret {
		if strings.Contains(r, retSuccess) {
			return true
		}
	}
	return false
}

func retSessionExpired(ret []string) bool {
	for _, r := range ret {
		if strings.Contains(r, "SESSION_EXPIRED") || strings.Contains(r, "FAIL_SYS_TOKEN_EXPIRED") ||
			strings.Contains(r, "令牌过期") {
			return true
		}
	}
	return false
}

// mergeSetCookies folds rotated cookies into the existing cookie string,
// later values win and the original key order is preserved.
func mergeSetCookies(cookies string, setCookies []string) string {
	if len(setCookies) == 0 {
		return cookies
	}
	merged := codec.ParseCookies(cookies)
	var order []string
	for _, part := range strings.Split(cookies, ";") {
		if kv := strings.SplitN(strings.TrimSpace(part), "=", 2); len(kv) == 2 {
			order = append(order, kv[0])
		}
	}
	for _, sc := range setCookies {
		pair := strings.SplitN(strings.SplitN(sc, ";", 2)[0], "=", 2)
		if len(pair) != 2 {
			continue
		}
		name := strings.TrimSpace(pair[0])
		if name == "" {
			continue
		}
		if _, ok := merged[name]; !ok {
			order = append(order, name)
		}
		merged[name] = strings.TrimSpace(pair[1])
	}
	return codec.FormatCookies(merged, order)
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimeout) {
			return true
		}
		if errors.Is(err, domain.ErrUpstream) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
