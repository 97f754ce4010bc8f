package mailsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

type Config struct {
	Addr        string        `envconfig:"SMTP_ADDR,optional"`
	User        string        `envconfig:"SMTP_USER,optional"`
	Password    string        `envconfig:"SMTP_PASSWORD,optional"`
	From        string        `envconfig:"SMTP_FROM,optional"`
	ImplicitTLS bool          `envconfig:"SMTP_IMPLICIT_TLS,default=true"`
	DialTimeout time.Duration `envconfig:"SMTP_DIAL_TIMEOUT,default=10s"`
}

func (c Config) Enabled() bool {
	return c.Addr != ""
}

func (c Config) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

type ContactSource interface {
	GetAlertContact(ctx context.Context, userID models.UserID) (models.AlertContact, error)
}

type sendFunc func(ctx context.Context, from string, to string, msg []byte) error

type Sink struct {
	cfg      Config
	contacts ContactSource
	send     sendFunc
}

func New(cfg Config, contacts ContactSource) *Sink {
	s := &Sink{
		cfg:      cfg,
		contacts: contacts,
	}
	s.send = s.sendSMTP
	return s
}

func (s *Sink) Name() string {
	return "mail"
}

// Deliver mails the owning user's alert contact. Users without a contact
// are skipped, the change is not an error for them.
func (s *Sink) Deliver(ctx context.Context, change models.StatusChange) error {
	contact, err := s.contacts.GetAlertContact(ctx, change.UserID)
	if err != nil {
		if errors.Is(err, store.ErrContactNotFound) {
			log.Info().Int64("user_id", int64(change.UserID)).Msg("no alert contact, status change mail skipped")
			return nil
		}
		return fmt.Errorf("failed to resolve alert contact: %w", err)
	}

	from := s.cfg.sender()
	err = s.send(ctx, from, contact.Email, FormatMessage(from, contact.Email, change))
	if err != nil {
		return fmt.Errorf("failed to mail %s: %w", contact.Email, err)
	}
	return nil
}

func FormatMessage(from, to string, change models.StatusChange) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s is %s\r\n", change.CheckName, change.NewStatus)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("Hello,\r\n\r\n")
	fmt.Fprintf(&b, "Your service %s has been detected as %s at %s.\r\n\r\n",
		change.CheckName, change.NewStatus, change.ChangedAt.UTC().Format(timeLayout))
	b.WriteString("Regards,\r\n-Patrol Team\r\n")
	return []byte(b.String())
}

func (s *Sink) sendSMTP(ctx context.Context, from string, to string, msg []byte) error {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("invalid smtp addr %q: %w", s.cfg.Addr, err)
	}

	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	var conn net.Conn
	if s.cfg.ImplicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer client.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			err = client.StartTLS(&tls.Config{ServerName: host})
			if err != nil {
				return fmt.Errorf("failed to start tls: %w", err)
			}
		}
	}
	if s.cfg.User != "" {
		err = client.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, host))
		if err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err = client.Mail(from); err != nil {
		return err
	}
	if err = client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
