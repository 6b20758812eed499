package notify

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/config"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

var ErrNoSMTP = errors.New("smtp not configured")

type Email struct {
	cfg config.EmailConfig
}

func NewEmail(cfg config.EmailConfig) *Email {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &Email{cfg: cfg}
}

func (e *Email) Enabled() bool { return e.cfg.SMTPHost != "" && len(e.cfg.Recipients) > 0 }

// Recipients returns the addresses for an anomaly type, falling back to
// the "default" entry.
func (e *Email) Recipients(anomalyType string) []string {
	if to := e.cfg.Recipients[anomalyType]; len(to) > 0 {
		return to
	}
	return e.cfg.Recipients["default"]
}

// Route groups events by recipient list so each admin gets one message.
func (e *Email) Route(events []model.Event) map[string][]model.Event {
	out := map[string][]model.Event{}
	for _, ev := range events {
		to := e.Recipients(ev.Type)
		if len(to) == 0 {
			continue
		}
		key := strings.Join(to, ",")
		out[key] = append(out[key], ev)
	}
	return out
}

// Send uses implicit TLS on port 465 and STARTTLS when the server offers
// it on any other port.
func (e *Email) Send(to []string, subject, body string) error {
	if e.cfg.SMTPHost == "" {
		return ErrNoSMTP
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}
	msg := buildMessage(e.cfg.From, to, subject, body)
	if e.cfg.SMTPPort != 465 {
		return smtp.SendMail(addr, auth, e.cfg.From, to, msg)
	}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, &tls.Config{ServerName: e.cfg.SMTPHost})
	if err != nil {
		return err
	}
	defer conn.Close()
	c, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		return err
	}
	defer c.Quit()
	if auth != nil {
		if err = c.Auth(auth); err != nil {
			return err
		}
	}
	if err = c.Mail(e.cfg.From); err != nil {
		return err
	}
	for _, r := range to {
		if err = c.Rcpt(r); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n"))
}

// Compose renders the subject and plain-text body for a group of events.
func Compose(events []model.Event) (subject, body string) {
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)
	subject = fmt.Sprintf("New Alert: %s Anomaly Detected", strings.Join(names, ", "))

	var b strings.Builder
	b.WriteString("Anomaly Detection Alert\n----------------------\n")
	for _, e := range events {
		fmt.Fprintf(&b, "Type: %s\nSeverity Score: %.2f\nTime Detected: %s\n", e.Type, e.Score, e.ObservedAt.UTC().Format("2006-01-02 15:04:05"))
		if e.Message != "" {
			fmt.Fprintf(&b, "\nDetails:\n%s\n", e.Message)
		}
		b.WriteString("\n")
	}
	return subject, b.String()
}
