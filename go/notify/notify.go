// Package notify delivers rule-gated webhook notifications. Delivery is
// best-effort: a failed webhook is logged and never blocks a unit.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/rules"
	log "github.com/sirupsen/logrus"
)

// Notification event kinds.
const (
	EventReceived  = "RECEIVED"
	EventCompleted = "COMPLETED"
	EventError     = "ERROR"
)

// Sender posts notification webhooks.
type Sender struct {
	http   *http.Client
	logger ops.Logger
}

// NewSender builds a webhook Sender.
func NewSender(logger ops.Logger) *Sender {
	return &Sender{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// enabled reports whether the rule requests a webhook for the event kind.
func enabled(rule rules.Rule, event string) bool {
	if rule.NotificationURL == "" {
		return false
	}
	switch event {
	case EventReceived:
		return rule.NotifyReception
	case EventCompleted:
		return rule.NotifyCompletion
	case EventError:
		return rule.NotifyError
	}
	return false
}

// Send posts the webhook of |ruleName| for |event|, if the rule asks for it.
func (s *Sender) Send(ctx context.Context, event, ruleName string, rule rules.Rule, payload map[string]interface{}) error {
	if !enabled(rule, event) {
		return nil
	}

	var body = make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	body["rule"] = ruleName

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rule.NotificationURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Log(log.WarnLevel, log.Fields{"rule": ruleName, "event": event, "error": err},
			"webhook notification failed")
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		s.logger.Log(log.WarnLevel, log.Fields{"rule": ruleName, "event": event, "status": resp.StatusCode},
			"webhook notification rejected")
	}
	return nil
}
