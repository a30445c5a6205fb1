package reply

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"fishlive/internal/domain"
	"fishlive/internal/observability"
	"fishlive/internal/providers/ai"
	"fishlive/internal/rules"
	"fishlive/internal/util"
)

// Completer is the AI backend. Satisfied by *ai.Client.
type Completer interface {
	Complete(ctx context.Context, p ai.Prompt) (string, error)
}

// Engine decides the reply for one chat message. Tiers, highest first:
// item-scoped keyword rules, global keyword rules, AI, default reply.
// Inside a tier the first matching rule by configured position wins.
type Engine struct {
	AI        Completer
	Breaker   *gobreaker.CircuitBreaker
	AITimeout time.Duration
	MaxRunes  int
}

// Decide returns the reply action for msg, or ok=false when no tier
// produced one. AI failures (timeout, upstream, breaker open) fall
// through to the default reply rather than surfacing as errors.
func (e *Engine) Decide(ctx context.Context, msg domain.ChatMessage, snap rules.Snapshot, acct domain.Account) (domain.ReplyAction, bool) {
	vars := map[string]string{
		"send_user_name": msg.BuyerName,
		"send_user_id":   msg.BuyerID,
		"send_message":   msg.Text,
		"item_id":        msg.ItemID,
	}

	if rule, ok := matchKeyword(snap.Keywords, msg.ItemID, msg.Text); ok {
		return e.action(msg, util.RenderTemplate(rule.Reply, vars), "keyword"), true
	}

	if acct.AIEnabled && e.AI != nil {
		if text, ok := e.complete(ctx, msg, acct); ok {
			return e.action(msg, text, "ai"), true
		}
	}

	if snap.Default.Enabled && snap.Default.Content != "" {
		return e.action(msg, util.RenderTemplate(snap.Default.Content, vars), "default"), true
	}

	return domain.ReplyAction{}, false
}

func (e *Engine) action(msg domain.ChatMessage, text, source string) domain.ReplyAction {
	observability.Replies.WithLabelValues(msg.AccountID, source).Inc()
	return domain.ReplyAction{
		AccountID: msg.AccountID,
		ChatID:    msg.ChatID,
		BuyerID:   msg.BuyerID,
		Text:      text,
		Source:    source,
	}
}

// matchKeyword scans item-scoped rules first, then global ones. Both
// scans honor the configured position order.
func matchKeyword(rs []domain.KeywordRule, itemID, text string) (domain.KeywordRule, bool) {
	ordered := make([]domain.KeywordRule, len(rs))
	copy(ordered, rs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for _, scoped := range []bool{true, false} {
		for _, r := range ordered {
			if scoped != (r.ItemID != "") {
				continue
			}
			if scoped && r.ItemID != itemID {
				continue
			}
			if matches(r, text) {
				return r, true
			}
		}
	}
	return domain.KeywordRule{}, false
}

func matches(r domain.KeywordRule, text string) bool {
	switch r.Mode {
	case domain.MatchExact:
		return strings.EqualFold(strings.TrimSpace(text), r.Keyword)
	default:
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Keyword))
	}
}

func (e *Engine) complete(ctx context.Context, msg domain.ChatMessage, acct domain.Account) (string, bool) {
	start := time.Now()
	run := func() (any, error) {
		aiCtx, cancel := context.WithTimeout(ctx, e.AITimeout)
		defer cancel()
		return e.AI.Complete(aiCtx, ai.Prompt{
			BuyerName: msg.BuyerName,
			Message:   msg.Text,
			ItemID:    msg.ItemID,
		})
	}

	var text any
	var err error
	if e.Breaker != nil {
		text, err = e.Breaker.Execute(run)
	} else {
		text, err = run()
	}
	observability.AILatency.Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("ai reply unavailable, falling through",
			"account_id", msg.AccountID, "chat_id", msg.ChatID, "error", err)
		return "", false
	}

	out := strings.TrimSpace(text.(string))
	if out == "" {
		return "", false
	}
	if e.MaxRunes > 0 {
		out = util.Truncate(out, e.MaxRunes)
	}
	return out, true
}
