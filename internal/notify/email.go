package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       []string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails alerts over SMTP. Port 465 uses implicit TLS; other
// ports use smtp.SendMail, which upgrades with STARTTLS when offered.
type EmailNotifier struct {
	cfg  EmailConfig
	send SendFunc
}

// NewEmailNotifier validates cfg and creates the notifier.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	var missing []string
	if cfg.Host == "" {
		missing = append(missing, "host")
	}
	if cfg.From == "" {
		missing = append(missing, "from")
	}
	if len(cfg.To) == 0 {
		missing = append(missing, "to")
	}
	if len(missing) > 0 {
		return nil, core.NewError(core.KindConfiguration, "notify.email", "missing "+strings.Join(missing, ", "))
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.FromName == "" {
		cfg.FromName = "brokerguard"
	}

	n := &EmailNotifier{cfg: cfg, send: smtp.SendMail}
	if cfg.Port == "465" {
		n.send = sendTLS
	}
	return n, nil
}

// WithSender replaces the SMTP transport.
func (n *EmailNotifier) WithSender(send SendFunc) *EmailNotifier {
	n.send = send
	return n
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Notify(ctx context.Context, alert core.Alert) error {
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, n.cfg.Port)

	done := make(chan error, 1)
	go func() {
		done <- n.send(addr, auth, n.cfg.From, n.cfg.To, n.message(alert))
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("SMTP error: %w", err)
		}
		return nil
	}
}

func (n *EmailNotifier) message(alert core.Alert) []byte {
	subject := fmt.Sprintf("[brokerguard] %s alert: %s", strings.ToUpper(string(alert.Severity)), alert.Rule)
	s := alert.Statistics

	var body strings.Builder
	body.WriteString(alert.Message + "\r\n\r\n")
	fmt.Fprintf(&body, "Alert ID: %s\r\n", alert.ID)
	fmt.Fprintf(&body, "Fired at: %s\r\n", alert.FiredAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "Window:   %s\r\n", s.Window)
	fmt.Fprintf(&body, "Calls:    %d (%d failed, %.1f%%)\r\n", s.Count, s.Failures, s.ErrorRate*100)
	fmt.Fprintf(&body, "Latency:  avg %s, p95 %s\r\n", s.AvgLatency.Round(time.Millisecond), s.P95Latency.Round(time.Millisecond))
	fmt.Fprintf(&body, "Rate limited: %d, reconnects: %d\r\n", s.RateLimited, s.Reconnects)

	from := fmt.Sprintf("%s <%s>", n.cfg.FromName, n.cfg.From)
	return []byte(
		"From: " + from + "\r\n" +
			"To: " + strings.Join(n.cfg.To, ", ") + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body.String(),
	)
}

// sendTLS delivers over an implicit TLS connection (port 465).
func sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close() // nolint:errcheck // closed again by client.Quit

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close() // nolint:errcheck // best-effort cleanup

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
