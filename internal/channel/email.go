package channel

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
)

// SMTPConfig configures the email adapter.
type SMTPConfig struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

// EmailAdapter delivers rendered content over SMTP.
type EmailAdapter struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAdapter builds the adapter. The send function is swappable for
// tests; production uses smtp.SendMail.
func NewEmailAdapter(cfg SMTPConfig) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, send: smtp.SendMail}
}

func (e *EmailAdapter) Channel() Channel { return Email }

func (e *EmailAdapter) addr() string {
	return net.JoinHostPort(e.cfg.Host, e.cfg.Port)
}

func (e *EmailAdapter) auth() smtp.Auth {
	if e.cfg.User == "" {
		return nil
	}
	return smtp.PlainAuth("", e.cfg.User, e.cfg.Pass, e.cfg.Host)
}

// Send delivers one message. An unparseable recipient address is permanent;
// transport errors are transient; SMTP 5xx rejections are permanent. The
// SMTP dialog has no deadline of its own, so the send runs on a goroutine
// and a ctx expiry abandons it as a transient failure.
func (e *EmailAdapter) Send(ctx context.Context, recipient string, content Content) Result {
	if _, err := mail.ParseAddress(recipient); err != nil {
		return Result{Class: ClassPermanent, Detail: fmt.Sprintf("malformed address: %v", err)}
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", content.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(content.Body)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.send(e.addr(), e.auth(), e.cfg.From, []string{recipient}, []byte(msg.String()))
	}()
	select {
	case <-ctx.Done():
		return Result{Class: ClassTransient, Detail: fmt.Sprintf("smtp send abandoned: %v", ctx.Err())}
	case err := <-errCh:
		if err != nil {
			return Result{Class: classifySMTP(err), Detail: err.Error()}
		}
		return Result{Class: ClassSuccess, Detail: "ok"}
	}
}

// classifySMTP buckets SMTP failures. Permanent negative completion replies
// start with a 5xx code; everything else (network faults, 4xx transient
// replies) is retryable.
func classifySMTP(err error) Class {
	msg := err.Error()
	if len(msg) >= 3 && msg[0] == '5' && msg[1] >= '0' && msg[1] <= '9' && msg[2] >= '0' && msg[2] <= '9' {
		return ClassPermanent
	}
	low := strings.ToLower(msg)
	if strings.Contains(low, "unknown recipient") || strings.Contains(low, "no such user") {
		return ClassPermanent
	}
	return ClassTransient
}

// CheckConnectivity dials the SMTP server and quits immediately.
func (e *EmailAdapter) CheckConnectivity(_ context.Context) error {
	c, err := smtp.Dial(e.addr())
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", e.addr(), err)
	}
	return c.Quit()
}
