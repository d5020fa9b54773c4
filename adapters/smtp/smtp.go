// Package smtp is an email port. Each destination address receives one plain
// text message, optionally DKIM signed.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// Kind is the factory key of the smtp adapter
const Kind = "smtp"

// TLS modes
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

// Settings of an smtp adapter
type Settings struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	From               string        `mapstructure:"from"`
	Subject            string        `mapstructure:"subject"`
	TLS                string        `mapstructure:"tls"`
	RequireTLS         bool          `mapstructure:"require_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Helo               string        `mapstructure:"helo"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DKIM               DKIMSettings  `mapstructure:"dkim"`
}

func (s Settings) withDefaults() Settings {
	if s.TLS == "" {
		s.TLS = TLSStartTLS
	}
	if s.Port == 0 {
		switch s.TLS {
		case TLSImplicit:
			s.Port = 465
		default:
			s.Port = 587
		}
	}
	if s.Helo == "" {
		s.Helo = "localhost"
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Subject == "" {
		s.Subject = "Message from {sender}"
	}
	return s
}

// Validate checks required settings
func (s Settings) Validate() error {
	if s.Host == "" {
		return errors.New("host is required")
	}
	if _, err := mail.ParseAddress(s.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	switch s.TLS {
	case TLSStartTLS, TLSImplicit, TLSNone:
	default:
		return fmt.Errorf("unknown tls mode %q", s.TLS)
	}
	return nil
}

// Port is the smtp adapter
type Port struct {
	messaging.Lifecycle

	name     string
	settings Settings
	from     *mail.Address
	signer   *signer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// New creates an uninitialized smtp port
func New(cfg messaging.AdapterConfig, opts ...Option) *Port {
	p := &Port{name: cfg.Name, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.SetName(cfg.Name)
	return p
}

// Factory returns a messaging.Factory building smtp ports
func Factory(logger *slog.Logger) messaging.Factory {
	return func(cfg messaging.AdapterConfig) (messaging.Port, error) {
		return New(cfg, WithLogger(logger)), nil
	}
}

func (p *Port) Name() string { return p.name }

// Initialize validates settings and loads the DKIM key. No connection is held
// between sends.
func (p *Port) Initialize(ctx context.Context, cfg messaging.AdapterConfig) error {
	var s Settings
	if err := cfg.DecodeSettings(&s); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}

	sig, err := newSigner(s.DKIM)
	if err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}

	p.settings = s
	p.from, _ = mail.ParseAddress(s.From)
	p.signer = sig
	p.logger = p.logger.With("adapter", p.name)
	p.MarkInitialized()
	p.logger.Info("smtp adapter initialized",
		"server", p.addr(),
		"tls", s.TLS,
		"dkim", sig != nil)
	return nil
}

// SendMessage delivers one message to the destination address
func (p *Port) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	if err := p.CheckInitialized("send"); err != nil {
		return nil, err
	}

	to, err := mail.ParseAddress(dest.Address)
	if err != nil {
		return nil, messaging.Permanent(p.name, fmt.Errorf("invalid address %q: %w", dest.Address, err))
	}

	messageID := fmt.Sprintf("<%s@%s>", msg.ID, domainOf(p.from.Address))
	data := p.compose(msg, to, messageID)
	if data, err = p.signer.sign(data, p.from.Address); err != nil {
		return nil, messaging.Permanent(p.name, err)
	}

	err = p.session(ctx, func(c *smtp.Client) error {
		if err := c.Mail(p.from.Address); err != nil {
			return fmt.Errorf("mail from: %w", err)
		}
		if err := c.Rcpt(to.Address); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}
		w, err := c.Data()
		if err != nil {
			return fmt.Errorf("data start: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("data write: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("data close: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, p.classify(err)
	}

	p.logger.Info("sent email", "messageId", msg.ID, "to", to.Address)
	return contracts.NewReceipt(msg, dest, p.name, messageID), nil
}

// Ping opens a session and issues NOOP
func (p *Port) Ping(ctx context.Context) error {
	if err := p.CheckInitialized("ping"); err != nil {
		return err
	}
	return p.session(ctx, func(c *smtp.Client) error { return c.Noop() })
}

// Shutdown marks the port closed. There is no pooled connection to release.
func (p *Port) Shutdown(ctx context.Context) error {
	if p.MarkShutdown() {
		p.logger.Info("smtp adapter shut down")
	}
	return nil
}

func (p *Port) addr() string {
	return net.JoinHostPort(p.settings.Host, strconv.Itoa(p.settings.Port))
}

// session dials, negotiates TLS and auth, runs fn, and quits.
func (p *Port) session(ctx context.Context, fn func(*smtp.Client) error) error {
	deadline := p.now().Add(p.settings.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	tlsConf := &tls.Config{
		ServerName:         p.settings.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.settings.InsecureSkipVerify,
	}
	if p.settings.TLS == TLSImplicit {
		conn = tls.Client(conn, tlsConf)
	}

	c, err := smtp.NewClient(conn, p.settings.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer c.Close()

	if err := c.Hello(p.settings.Helo); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if p.settings.TLS == TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConf); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		} else if p.settings.RequireTLS {
			return errNoStartTLS
		}
	}

	if p.settings.Username != "" {
		auth := smtp.PlainAuth("", p.settings.Username, p.settings.Password, p.settings.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := fn(c); err != nil {
		return err
	}
	return c.Quit()
}

var errNoStartTLS = errors.New("server does not offer STARTTLS")

// classify maps SMTP replies: 5xx and auth or TLS policy failures are
// permanent, 4xx and network errors transient.
func (p *Port) classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return messaging.Permanent(p.name, err)
		}
		return messaging.Transient(p.name, err)
	}
	if errors.Is(err, errNoStartTLS) {
		return messaging.Permanent(p.name, err)
	}
	return messaging.Transient(p.name, err)
}

// compose renders a CRLF message with the headers DKIM signs
func (p *Port) compose(msg *contracts.Message, to *mail.Address, messageID string) []byte {
	subject := strings.ReplaceAll(p.settings.Subject, "{sender}", msg.Sender)

	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", p.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", p.now().Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Content, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
