package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailSink sends notifications over SMTP with an optional STARTTLS
// upgrade, mirroring the reference email notifier's plain+HTML multipart
// body and severity-prefixed subject.
type EmailSink struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	useTLS   bool
}

// NewEmailSink builds a sink that delivers to, using host:port and the
// given credentials (username/password may be empty for an open relay).
func NewEmailSink(host string, port int, username, password, from string, to []string, useTLS bool) *EmailSink {
	return &EmailSink{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
		useTLS:   useTLS,
	}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, e Event) error {
	subject := fmt.Sprintf("[HoneyGrid][%s] Honeytoken triggered: %s", e.Severity, e.TokenID)
	plain := fmt.Sprintf(
		"A honeytoken was triggered.\n\nAgent: %s\nToken: %s\nPath: %s\nEvent: %s\nTime: %s\nSeverity: %s\n",
		e.AgentID, e.TokenID, e.Path, e.EventType, e.Timestamp.UTC().Format(time.RFC3339), e.Severity,
	)
	html := fmt.Sprintf(
		"<h2>HoneyGrid Alert</h2><table><tr><td>Agent</td><td>%s</td></tr>"+
			"<tr><td>Token</td><td>%s</td></tr><tr><td>Path</td><td>%s</td></tr>"+
			"<tr><td>Event</td><td>%s</td></tr><tr><td>Time</td><td>%s</td></tr>"+
			"<tr><td>Severity</td><td>%s</td></tr></table>",
		e.AgentID, e.TokenID, e.Path, e.EventType, e.Timestamp.UTC().Format(time.RFC3339), e.Severity,
	)
	return s.send(ctx, subject, plain, html)
}

func (s *EmailSink) SendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	counts := map[Severity]int{}
	for _, e := range events {
		sev := e.Severity
		if sev == 0 {
			sev = SeverityFromEventType(e.EventType)
		}
		counts[sev]++
	}

	subject := fmt.Sprintf("[HoneyGrid] Digest: %d events", len(events))

	var plain strings.Builder
	fmt.Fprintf(&plain, "HoneyGrid digest: %d events\n\n", len(events))
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		if counts[sev] > 0 {
			fmt.Fprintf(&plain, "%s: %d\n", sev, counts[sev])
		}
	}

	var html strings.Builder
	html.WriteString("<h2>HoneyGrid Digest</h2><ul>")
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		if counts[sev] > 0 {
			fmt.Fprintf(&html, "<li>%s: %d</li>", sev, counts[sev])
		}
	}
	html.WriteString("</ul>")

	return s.send(ctx, subject, plain.String(), html.String())
}

func (s *EmailSink) send(ctx context.Context, subject, plainBody, htmlBody string) error {
	if s.host == "" || len(s.to) == 0 {
		return fmt.Errorf("notify: email sink not configured")
	}

	boundary := "honeygrid-boundary"
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, plainBody)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", boundary, htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if !s.useTLS {
		return smtp.SendMail(addr, auth, s.from, s.to, []byte(msg.String()))
	}

	return s.sendWithStartTLS(ctx, addr, auth, msg.String())
}

// sendWithStartTLS dials plaintext, issues STARTTLS, then proceeds with
// AUTH/MAIL/RCPT/DATA over the upgraded connection.
func (s *EmailSink) sendWithStartTLS(ctx context.Context, addr string, auth smtp.Auth, body string) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("notify: smtp dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: s.host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("notify: starttls: %w", err)
		}
	} else {
		return fmt.Errorf("notify: smtp server %s does not offer STARTTLS", addr)
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("notify: smtp mail from: %w", err)
	}
	for _, rcpt := range s.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("notify: smtp rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: smtp data: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		w.Close()
		return fmt.Errorf("notify: smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: smtp close data: %w", err)
	}

	return client.Quit()
}
