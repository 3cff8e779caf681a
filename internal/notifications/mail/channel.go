// Package mail delivers meeting notices by SMTP, one message per recipient.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/notifications"
)

const dialTimeout = 20 * time.Second

// client is the subset of *smtp.Client a delivery needs.
type client interface {
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Channel sends notices through an SMTP relay.
type Channel struct {
	config *config.SMTPConfig
	dial   func(ctx context.Context) (client, error)
	now    func() time.Time
}

// NewChannel creates an SMTP channel.
func NewChannel(cfg *config.SMTPConfig) *Channel {
	c := &Channel{config: cfg, now: time.Now}
	c.dial = c.dialRelay
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return "smtp"
}

// Enabled returns whether a relay and a sender address are configured.
func (c *Channel) Enabled() bool {
	return c.config.Enabled && c.config.Host != "" && c.from() != ""
}

func (c *Channel) from() string {
	if c.config.From != "" {
		return c.config.From
	}
	return c.config.Username
}

func (c *Channel) dialRelay(ctx context.Context) (client, error) {
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sc, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start SMTP session: %w", err)
	}
	return sc, nil
}

// Send opens one session and delivers a separate message to each
// recipient. A failed recipient does not stop the others.
func (c *Channel) Send(ctx context.Context, msg *notifications.Message) error {
	if len(msg.Recipients) == 0 {
		return nil
	}

	sc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	if c.config.UseTLS {
		if ok, _ := sc.Extension("STARTTLS"); !ok {
			return fmt.Errorf("SMTP server %s does not support STARTTLS", c.config.Host)
		}
		if err := sc.StartTLS(&tls.Config{ServerName: c.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	if c.config.Username != "" && c.config.Password != "" {
		auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
		if err := sc.Auth(auth); err != nil {
			return fmt.Errorf("SMTP login failed: %w", err)
		}
	}

	var errs []error
	for _, to := range msg.Recipients {
		if err := c.sendOne(sc, to, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	_ = sc.Quit()
	return errors.Join(errs...)
}

func (c *Channel) sendOne(sc client, to string, msg *notifications.Message) error {
	if err := sc.Mail(c.from()); err != nil {
		return err
	}
	if err := sc.Rcpt(to); err != nil {
		return err
	}
	w, err := sc.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(c.compose(to, msg)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *Channel) compose(to string, msg *notifications.Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", c.from())
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@afterhours>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.Write(bytes.ReplaceAll([]byte(msg.Body), []byte("\n"), []byte("\r\n")))
	return b.Bytes()
}
