package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

type Slack struct {
	enabled bool
	webhook string
	client  *http.Client
}

func NewSlack(enabled bool, webhook string) *Slack {
	return &Slack{enabled: enabled, webhook: webhook, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Enabled() bool { return s.enabled && s.webhook != "" }

func (s *Slack) Send(text string) error {
	if !s.Enabled() {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	resp, err := s.client.Post(s.webhook, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack http status %s", resp.Status)
	}
	return nil
}

// Format renders a group of critical events as one Slack message.
func Format(events []model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%d critical anomal%s*\n", len(events), plural(len(events), "y", "ies"))
	for _, e := range events {
		fmt.Fprintf(&b, "- `%s` score=%.2f at %s", e.Type, e.Score, e.ObservedAt.UTC().Format(time.RFC3339))
		if e.Message != "" {
			fmt.Fprintf(&b, "\n```%s```", firstLine(e.Message))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
