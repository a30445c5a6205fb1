package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fishlive/internal/domain"
)

// Client is a chat-completions client for any OpenAI-compatible backend.
// Callers own the timeout (via ctx) and the circuit breaker.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

// Prompt carries what the reply engine knows about the conversation.
type Prompt struct {
	System    string
	BuyerName string
	Message   string
	ItemID    string
}

const defaultSystem = "你是一个二手交易平台的卖家客服。用简短友好的中文回复买家，不要编造商品信息。"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete returns the model's reply text. Deadline overruns map to
// domain.ErrTimeout and any non-2xx or empty completion to
// domain.ErrUpstream so the reply engine can fall through.
func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	system := p.System
	if system == "" {
		system = defaultSystem
	}
	user := p.Message
	if p.BuyerName != "" {
		user = fmt.Sprintf("买家 %s 咨询商品 %s：%s", p.BuyerName, p.ItemID, p.Message)
	}

	body, _ := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/chat/completions"
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("chat completion: %w", domain.ErrTimeout)
		}
		return "", fmt.Errorf("chat completion: %v: %w", err, domain.ErrUpstream)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out chatResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("chat completion: %s: %w", out.Error.Message, domain.ErrUpstream)
		}
		return "", fmt.Errorf("chat completion: http %d: %w", resp.StatusCode, domain.ErrUpstream)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat completion: empty choice: %w", domain.ErrUpstream)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
