// Package modem is an SMS port driving a GSM modem with text-mode AT commands
// over a serial device.
package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.bug.st/serial"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// Factory keys. gammu configurations are served by the same driver.
const (
	Kind      = "modem"
	KindGammu = "gammu"
)

// MaxTextLength is the single-part text mode limit
const MaxTextLength = 160

var phonePattern = regexp.MustCompile(`^\+\d{1,3}\d{4,14}$`)

var connectionPattern = regexp.MustCompile(`^at(\d+)$`)

// Settings of a modem adapter
type Settings struct {
	Device         string        `mapstructure:"device"`
	Port           string        `mapstructure:"port"`
	BaudRate       int           `mapstructure:"baud_rate"`
	Connection     string        `mapstructure:"connection"`
	PIN            string        `mapstructure:"pin"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ForwardType    string        `mapstructure:"forward_type"`
	ForwardAddress string        `mapstructure:"forward_address"`
}

func (s Settings) withDefaults() Settings {
	if s.Device == "" {
		s.Device = s.Port
	}
	if s.BaudRate == 0 {
		if m := connectionPattern.FindStringSubmatch(strings.ToLower(s.Connection)); m != nil {
			s.BaudRate, _ = strconv.Atoi(m[1])
		}
	}
	if s.BaudRate == 0 {
		s.BaudRate = 115200
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = 5 * time.Second
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 60 * time.Second
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 5 * time.Second
	}
	return s
}

// Validate checks required settings
func (s Settings) Validate() error {
	if s.Device == "" {
		return errors.New("device is required")
	}
	if (s.ForwardType == "") != (s.ForwardAddress == "") {
		return errors.New("forward_type and forward_address must be set together")
	}
	return nil
}

// Opener opens the serial device
type Opener func(device string, baud int) (io.ReadWriteCloser, error)

func openSerial(device string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(device, &serial.Mode{BaudRate: baud})
}

// Port is the modem adapter
type Port struct {
	messaging.Lifecycle

	name     string
	settings Settings
	open     Opener
	logger   *slog.Logger

	mu   sync.Mutex
	conn *atConn
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// WithOpener replaces the serial device opener
func WithOpener(open Opener) Option {
	return func(p *Port) {
		p.open = open
	}
}

// New creates an uninitialized modem port
func New(cfg messaging.AdapterConfig, opts ...Option) *Port {
	p := &Port{name: cfg.Name, open: openSerial, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.SetName(cfg.Name)
	return p
}

// Factory returns a messaging.Factory building modem ports
func Factory(logger *slog.Logger) messaging.Factory {
	return func(cfg messaging.AdapterConfig) (messaging.Port, error) {
		return New(cfg, WithLogger(logger)), nil
	}
}

func (p *Port) Name() string { return p.name }

// Initialize opens the device, unlocks the SIM if needed and selects text mode.
func (p *Port) Initialize(ctx context.Context, cfg messaging.AdapterConfig) error {
	var s Settings
	if err := cfg.DecodeSettings(&s); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	p.settings = s
	p.logger = p.logger.With("adapter", p.name, "device", s.Device)

	dev, err := p.open(s.Device, s.BaudRate)
	if err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: fmt.Errorf("open %s: %w", s.Device, err)}
	}
	conn := newATConn(dev)

	if err := p.setup(ctx, conn); err != nil {
		conn.Close()
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.MarkInitialized()
	p.logger.Info("modem initialized", "baudRate", s.BaudRate)
	return nil
}

func (p *Port) setup(ctx context.Context, conn *atConn) error {
	timeout := p.settings.CommandTimeout
	for _, cmd := range []string{"AT", "ATE0"} {
		if _, err := conn.Command(ctx, cmd, timeout); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}

	lines, err := conn.Command(ctx, "AT+CPIN?", timeout)
	if err != nil {
		return fmt.Errorf("AT+CPIN?: %w", err)
	}
	if len(lines) > 0 && strings.Contains(lines[0], "SIM PIN") {
		if p.settings.PIN == "" {
			return errors.New("SIM requires a PIN")
		}
		if _, err := conn.Command(ctx, fmt.Sprintf("AT+CPIN=%q", p.settings.PIN), timeout); err != nil {
			return fmt.Errorf("AT+CPIN: %w", err)
		}
	}

	if _, err := conn.Command(ctx, "AT+CMGF=1", timeout); err != nil {
		return fmt.Errorf("AT+CMGF=1: %w", err)
	}
	return nil
}

func (p *Port) device(op string) (*atConn, error) {
	if err := p.CheckInitialized(op); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, &messaging.NotInitializedError{Adapter: p.name, Op: op}
	}
	return p.conn, nil
}

// SendMessage sends one text-mode SMS
func (p *Port) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	conn, err := p.device("send")
	if err != nil {
		return nil, err
	}

	if !phonePattern.MatchString(dest.Address) {
		return nil, messaging.Permanent(p.name, fmt.Errorf("invalid phone number %q", dest.Address))
	}
	if n := utf8.RuneCountInString(msg.Content); n > MaxTextLength {
		return nil, messaging.Permanent(p.name, fmt.Errorf("content has %d characters, limit is %d", n, MaxTextLength))
	}

	lines, err := conn.SendText(ctx, dest.Address, msg.Content, p.settings.SendTimeout)
	if err != nil {
		return nil, p.classify(err)
	}

	ref := ""
	for _, l := range lines {
		if strings.HasPrefix(l, "+CMGS:") {
			ref = strings.TrimSpace(strings.TrimPrefix(l, "+CMGS:"))
		}
	}
	p.logger.Info("sent sms", "messageId", msg.ID, "to", dest.Address, "reference", ref)
	return contracts.NewReceipt(msg, dest, p.name, ref), nil
}

func (p *Port) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return messaging.Transient(p.name, err)
}

// Receive polls stored messages, forwards each to the configured target and
// deletes it from the SIM. Without a forward target it only waits for ctx.
func (p *Port) Receive(ctx context.Context, out chan<- *contracts.Message) error {
	conn, err := p.device("receive")
	if err != nil {
		return err
	}
	if p.settings.ForwardType == "" {
		p.logger.Debug("no forward target configured, inbound disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.settings.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, conn, out); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Port) poll(ctx context.Context, conn *atConn, out chan<- *contracts.Message) error {
	lines, err := conn.Command(ctx, `AT+CMGL="ALL"`, p.settings.CommandTimeout)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	stored, err := parseCMGL(lines)
	if err != nil {
		return err
	}

	for _, sms := range stored {
		msg := contracts.NewMessage(sms.Number, sms.Text, contracts.Destination{
			Type:    contracts.DestinationType(p.settings.ForwardType),
			Address: p.settings.ForwardAddress,
		})
		msg.Metadata = map[string]string{"modem": p.name, "sim_index": strconv.Itoa(sms.Index)}

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}

		// deleted only after the router took it
		if _, err := conn.Command(ctx, fmt.Sprintf("AT+CMGD=%d", sms.Index), p.settings.CommandTimeout); err != nil {
			return fmt.Errorf("delete message %d: %w", sms.Index, err)
		}
		p.logger.Info("received sms", "messageId", msg.ID, "from", sms.Number)
	}
	return nil
}

// Ping sends AT
func (p *Port) Ping(ctx context.Context) error {
	conn, err := p.device("ping")
	if err != nil {
		return err
	}
	_, err = conn.Command(ctx, "AT", p.settings.CommandTimeout)
	return err
}

// Shutdown closes the device
func (p *Port) Shutdown(ctx context.Context) error {
	if !p.MarkShutdown() {
		return nil
	}
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	p.logger.Info("modem disconnected")
	return conn.Close()
}
