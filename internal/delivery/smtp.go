package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/lists"
)

// Transport sends serialized messages. A delivery run opens one
// transport, pushes every message through it, then closes it.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
	Close() error
}

// Relay describes one SMTP endpoint with its credentials.
type Relay struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	UseSSL   bool
	Timeout  time.Duration
}

// Addr returns host:port for the dialer.
func (r Relay) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DefaultRelay builds the process-default relay from configuration.
func DefaultRelay(cfg config.SMTPConfig) Relay {
	return Relay{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		UseTLS:   cfg.UseTLS,
		UseSSL:   cfg.UseSSL,
		Timeout:  cfg.Timeout(),
	}
}

// ListRelay resolves the relay for a mailing list: the list's own
// credentials when it carries an override, the process default otherwise.
func ListRelay(cfg config.SMTPConfig, l *lists.MailingList) Relay {
	if l == nil || !l.HasSMTPOverride() {
		return DefaultRelay(cfg)
	}
	timeout := time.Duration(l.SMTPTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = cfg.Timeout()
	}
	return Relay{
		Host:     l.SMTPHost,
		Port:     l.SMTPPort,
		Username: l.SMTPUsername,
		Password: l.SMTPPassword,
		UseTLS:   l.SMTPUseTLS,
		UseSSL:   l.SMTPUseSSL,
		Timeout:  timeout,
	}
}

// SMTPTransport holds one live SMTP connection.
type SMTPTransport struct {
	relay  Relay
	conn   net.Conn
	client *smtp.Client
}

// DialSMTP connects and authenticates against the relay. UseSSL dials
// implicit TLS; UseTLS upgrades a plain connection with STARTTLS.
func DialSMTP(relay Relay) (*SMTPTransport, error) {
	timeout := relay.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var conn net.Conn
	var err error
	if relay.UseSSL {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", relay.Addr(), &tls.Config{ServerName: relay.Host})
	} else {
		conn, err = net.DialTimeout("tcp", relay.Addr(), timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", relay.Addr(), err)
	}

	client, err := smtp.NewClient(conn, relay.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake %s: %w", relay.Addr(), err)
	}

	if !relay.UseSSL && relay.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("smtp relay %s does not support STARTTLS", relay.Addr())
		}
		if err := client.StartTLS(&tls.Config{ServerName: relay.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls %s: %w", relay.Addr(), err)
		}
	}

	if relay.Username != "" {
		auth := smtp.PlainAuth("", relay.Username, relay.Password, relay.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth %s: %w", relay.Addr(), err)
		}
	}

	return &SMTPTransport{relay: relay, conn: conn, client: client}, nil
}

// Send pushes one message through the open connection. The connection is
// reset after a failed exchange so the next Send starts clean.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	deadline := time.Now().Add(t.relay.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set smtp deadline: %w", err)
	}

	if err := t.client.Mail(from); err != nil {
		t.client.Reset()
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := t.client.Rcpt(rcpt); err != nil {
			t.client.Reset()
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}
	w, err := t.client.Data()
	if err != nil {
		t.client.Reset()
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		t.client.Reset()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		t.client.Reset()
		return fmt.Errorf("smtp finish body: %w", err)
	}
	return nil
}

// Close sends QUIT and tears the connection down.
func (t *SMTPTransport) Close() error {
	if err := t.client.Quit(); err != nil {
		return t.conn.Close()
	}
	return nil
}
