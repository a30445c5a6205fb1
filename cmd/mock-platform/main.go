// mock-platform is a local stand-in for the marketplace's websocket channel
// and mtop gateway. It accepts registrations, acks heartbeats, answers the
// token and order APIs with canned SUCCESS envelopes, and exposes POST /push
// to inject sync documents into every connected session. Point WS_URL and
// API_BASE_URL at it for end-to-end runs without real credentials.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"

	"fishlive/internal/logging"
)

type mockConfig struct {
	Port      string `envconfig:"PORT" default:"8090"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

type frame struct {
	LWP     string            `json:"lwp,omitempty"`
	Code    int               `json:"code,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{conns: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) add(c *websocket.Conn) chan []byte {
	out := make(chan []byte, 32)
	h.mu.Lock()
	h.conns[c] = out
	h.mu.Unlock()
	return out
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	out, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		close(out)
	}
}

// broadcast queues a frame for every connected session. Slow readers are
// skipped rather than blocking the push endpoint.
func (h *hub) broadcast(raw []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, out := range h.conns {
		select {
		case out <- raw:
			n++
		default:
		}
	}
	return n
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func serveWS(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("upgrade failed", "err", err)
			return
		}
		out := h.add(conn)
		slog.Info("session connected", "remote", r.RemoteAddr)

		go func() {
			for raw := range out {
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
		}()

		defer func() {
			h.remove(conn)
			conn.Close()
			slog.Info("session disconnected", "remote", r.RemoteAddr)
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				slog.Warn("unparseable frame", "err", err)
				continue
			}
			if ack := respond(&f); ack != nil {
				select {
				case out <- ack:
				default:
				}
			}
		}
	}
}

// respond acks every client request the way the real channel does: a bare
// code-200 envelope echoing the request mid.
func respond(f *frame) []byte {
	if f.LWP == "" {
		return nil // client-side ack of one of our pushes
	}
	switch f.LWP {
	case "/reg":
		slog.Info("register", "app_key", f.Headers["app-key"], "did", f.Headers["did"])
	case "/!":
		// heartbeat
	default:
		slog.Info("request", "lwp", f.LWP, "mid", f.Headers["mid"])
	}
	ack := frame{Code: 200, Headers: map[string]string{"mid": f.Headers["mid"]}}
	raw, _ := json.Marshal(ack)
	return raw
}

// handlePush wraps an arbitrary JSON document in a sync push package and
// broadcasts it, mimicking a server-initiated message delivery.
func handlePush(h *hub) http.HandlerFunc {
	var seq int
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seq++
		mid := fmt.Sprintf("%d 0", seq)
		mu.Unlock()

		push := map[string]any{
			"lwp": "/s/sync",
			"headers": map[string]string{
				"mid": mid,
				"sid": fmt.Sprintf("mock-%d", seq),
			},
			"body": map[string]any{
				"syncPushPackage": map[string]any{
					"data": []map[string]string{
						{"data": base64.StdEncoding.EncodeToString(doc)},
					},
				},
			},
		}
		raw, _ := json.Marshal(push)
		n := h.broadcast(raw)
		slog.Info("pushed", "mid", mid, "sessions", n)
		writeJSON(w, map[string]any{"mid": mid, "sessions": n})
	}
}

// handleMtop answers the signed h5 API calls. Every call succeeds; the token
// endpoint also rotates the _m_h5_tk cookie so refresh persistence is
// exercised end to end.
func handleMtop() http.HandlerFunc {
	var tokens int
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		api := apiFromPath(r.URL.Path)
		data := r.FormValue("data")
		slog.Info("mtop call", "api", api, "sign", r.URL.Query().Get("sign") != "")

		var payload any
		switch {
		case strings.Contains(api, "token"):
			mu.Lock()
			tokens++
			n := tokens
			mu.Unlock()
			http.SetCookie(w, &http.Cookie{
				Name:  "_m_h5_tk",
				Value: fmt.Sprintf("mocktk%d_%d", n, time.Now().Add(24*time.Hour).UnixMilli()),
				Path:  "/",
			})
			payload = map[string]string{"accessToken": fmt.Sprintf("mock-access-token-%d", n)}
		case strings.Contains(api, "order.detail"):
			payload = map[string]string{
				"bizOrderId": orderIDFrom(data),
				"specName":   "套餐",
				"specValue":  "标准版",
				"status":     "paid",
			}
		default:
			// confirm, free shipping and anything else just succeed
			payload = map[string]bool{"success": true}
		}
		writeJSON(w, map[string]any{
			"ret":  []string{"SUCCESS::调用成功"},
			"data": payload,
		})
	}
}

func apiFromPath(p string) string {
	// /h5/mtop.taobao.xxx/1.0/
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return p
}

func orderIDFrom(data string) string {
	var m map[string]any
	if json.Unmarshal([]byte(data), &m) == nil {
		if v, ok := m["bizOrderId"].(string); ok {
			return v
		}
	}
	return "0"
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("bad document: %w", err)
	}
	return doc, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Init("mock-platform", cfg.LogFormat)

	h := newHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveWS(h))
	mux.HandleFunc("/push", handlePush(h))
	mux.HandleFunc("/h5/", handleMtop())

	slog.Info("mock platform listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}
