package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"fishlive/internal/util"
)

// Notice is the envelope pushed onto the fan-out queue. Downstream
// workers turn it into operator alerts (IM, email, whatever is wired).
type Notice struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// SQSNotifier publishes failure notices fire-and-forget. A per-kind
// cooldown keeps a flapping account from flooding the queue.
type SQSNotifier struct {
	SQS      *sqs.Client
	QueueURL string
	Cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewSQSNotifier(client *sqs.Client, queueURL string, cooldown time.Duration) *SQSNotifier {
	return &SQSNotifier{
		SQS:      client,
		QueueURL: queueURL,
		Cooldown: cooldown,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify sends one notice unless the same kind fired within the
// cooldown window. Suppressed sends return nil.
func (n *SQSNotifier) Notify(ctx context.Context, kind, subject, detail string) error {
	if !n.shouldSend(kind) {
		return nil
	}

	body, err := json.Marshal(Notice{
		ID:      util.NewAuditID(),
		Kind:    kind,
		Subject: subject,
		Detail:  util.Truncate(detail, 1000),
		At:      util.NowUTC(),
	})
	if err != nil {
		return err
	}
	_, err = n.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &n.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

func (n *SQSNotifier) shouldSend(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[kind]; ok && now.Sub(last) < n.Cooldown {
		return false
	}
	n.last[kind] = now
	return true
}

func str(s string) *string { return &s }
