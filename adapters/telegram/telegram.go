// Package telegram is a chat port over the Telegram Bot API. Outbound messages
// are sent with sendMessage; inbound /sms commands are read with getUpdates
// long polling and turned into SMS messages.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/wire"
	"github.com/glimte/mmate-gateway/messaging"
)

// Kind is the factory key of the telegram adapter
const Kind = "telegram"

const (
	replyInvalidFormat = `Invalid format. Use: /sms +CCNNNNNNNNN "message"`
	replyInvalidPhone  = "Invalid phone number format. Use international format: +CCNNNNNNNNN"
	replyQueued        = "Message queued for sending"
)

var (
	phonePattern      = regexp.MustCompile(`^\+\d{1,3}\d{4,14}$`)
	smsCommandPattern = regexp.MustCompile(`^/sms\s+(\+\d+)\s+"([^"]+)"$`)
)

// Settings of a telegram adapter
type Settings struct {
	BotToken    string        `mapstructure:"bot_token"`
	APIBaseURL  string        `mapstructure:"api_base_url"`
	ChatID      string        `mapstructure:"chat_id"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

func (s Settings) withDefaults() Settings {
	if s.APIBaseURL == "" {
		s.APIBaseURL = "https://api.telegram.org"
	}
	s.APIBaseURL = strings.TrimRight(s.APIBaseURL, "/")
	if s.PollTimeout <= 0 {
		s.PollTimeout = 30 * time.Second
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = s.PollTimeout + 10*time.Second
	}
	return s
}

// Port is the telegram adapter
type Port struct {
	messaging.Lifecycle

	name     string
	settings Settings
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	offset int64
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(p *Port) {
		p.client = client
	}
}

// New creates an uninitialized telegram port
func New(cfg messaging.AdapterConfig, opts ...Option) *Port {
	p := &Port{name: cfg.Name, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.SetName(cfg.Name)
	return p
}

// Factory returns a messaging.Factory building telegram ports
func Factory(logger *slog.Logger) messaging.Factory {
	return func(cfg messaging.AdapterConfig) (messaging.Port, error) {
		return New(cfg, WithLogger(logger)), nil
	}
}

func (p *Port) Name() string { return p.name }

// Initialize validates the settings and checks the token with getMe
func (p *Port) Initialize(ctx context.Context, cfg messaging.AdapterConfig) error {
	var s Settings
	if err := cfg.DecodeSettings(&s); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	if s.BotToken == "" {
		return &messaging.InitializationError{Adapter: p.name, Err: errors.New("bot_token is required")}
	}
	p.settings = s.withDefaults()
	if p.client == nil {
		p.client = &http.Client{Timeout: p.settings.HTTPTimeout}
	}
	p.logger = p.logger.With("adapter", p.name)

	var me user
	if err := p.call(ctx, "getMe", nil, &me); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}

	p.MarkInitialized()
	p.logger.Info("telegram bot initialized", "bot", me.Username)
	return nil
}

// SendMessage posts the message to the chat named by the destination address
func (p *Port) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	if err := p.CheckInitialized("send"); err != nil {
		return nil, err
	}

	text := fmt.Sprintf("From: %s\nMessage: %s", msg.Sender, msg.Content)
	var sent message
	if err := p.call(ctx, "sendMessage", sendMessageRequest{ChatID: dest.Address, Text: text}, &sent); err != nil {
		return nil, err
	}

	p.logger.Info("sent message to telegram chat", "messageId", msg.ID, "chatId", dest.Address)
	return contracts.NewReceipt(msg, dest, p.name, strconv.FormatInt(sent.MessageID, 10)), nil
}

// Receive long-polls getUpdates and forwards valid /sms commands as SMS messages.
func (p *Port) Receive(ctx context.Context, out chan<- *contracts.Message) error {
	if err := p.CheckInitialized("receive"); err != nil {
		return err
	}

	for {
		p.mu.Lock()
		req := getUpdatesRequest{
			Offset:         p.offset,
			Timeout:        int(p.settings.PollTimeout / time.Second),
			AllowedUpdates: []string{"message"},
		}
		p.mu.Unlock()

		var updates []update
		if err := p.call(ctx, "getUpdates", req, &updates); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, u := range updates {
			var msg *contracts.Message
			if u.Message != nil {
				msg = p.handleCommand(ctx, u.Message)
			}
			if msg != nil {
				select {
				case out <- msg:
				case <-ctx.Done():
					// not acknowledged, so the next getUpdates returns it again
					return ctx.Err()
				}
			}

			p.acknowledge(u.UpdateID)
			if msg != nil {
				p.reply(ctx, u.Message.Chat.ID, replyQueued)
			}
		}
	}
}

// acknowledge moves the polling offset past updateID.
func (p *Port) acknowledge(updateID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if updateID >= p.offset {
		p.offset = updateID + 1
	}
}

// handleCommand parses an /sms command, replying to the chat when it is invalid
func (p *Port) handleCommand(ctx context.Context, m *message) *contracts.Message {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/sms") {
		return nil
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	if p.settings.ChatID != "" && chatID != p.settings.ChatID {
		p.logger.Warn("ignoring command from unknown chat", "chatId", chatID)
		return nil
	}

	phone, content, err := ParseSMSCommand(text)
	if err != nil {
		p.reply(ctx, m.Chat.ID, err.Error())
		return nil
	}

	msg := contracts.NewMessage(chatID, content, contracts.Destination{Type: contracts.DestinationSMS, Address: phone})
	msg.Metadata = map[string]string{"chat_id": chatID}
	return msg
}

// ParseSMSCommand extracts the phone number and text of `/sms +CCNNNN "text"`.
// The returned error text is suitable as a reply to the user.
func ParseSMSCommand(text string) (phone, content string, err error) {
	match := smsCommandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return "", "", errors.New(replyInvalidFormat)
	}
	if !phonePattern.MatchString(match[1]) {
		return "", "", errors.New(replyInvalidPhone)
	}
	return match[1], match[2], nil
}

func (p *Port) reply(ctx context.Context, chatID int64, text string) {
	var sent message
	if err := p.call(ctx, "sendMessage", sendMessageRequest{ChatID: strconv.FormatInt(chatID, 10), Text: text}, &sent); err != nil {
		p.logger.Warn("failed to reply", "chatId", chatID, "error", err)
	}
}

// Ping calls getMe
func (p *Port) Ping(ctx context.Context) error {
	if err := p.CheckInitialized("ping"); err != nil {
		return err
	}
	var me user
	return p.call(ctx, "getMe", nil, &me)
}

// Shutdown releases idle HTTP connections
func (p *Port) Shutdown(ctx context.Context) error {
	if p.MarkShutdown() {
		p.client.CloseIdleConnections()
		p.logger.Info("telegram bot shut down")
	}
	return nil
}

// call invokes a Bot API method and classifies failures for the router.
func (p *Port) call(ctx context.Context, method string, params, result any) error {
	body := []byte("{}")
	if params != nil {
		var err error
		if body, err = wire.Marshal(params); err != nil {
			return messaging.Permanent(p.name, fmt.Errorf("%s: encode: %w", method, err))
		}
	}

	url := fmt.Sprintf("%s/bot%s/%s", p.settings.APIBaseURL, p.settings.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return messaging.Permanent(p.name, fmt.Errorf("%s: %w", method, err))
	}
	req.Header.Set("Content-Type", wire.ContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return messaging.Transient(p.name, fmt.Errorf("%s: %w", method, redact(err, p.settings.BotToken)))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return messaging.Transient(p.name, fmt.Errorf("%s: read response: %w", method, err))
	}

	var r apiResponse
	if err := wire.Unmarshal(data, &r); err != nil && resp.StatusCode == http.StatusOK {
		return messaging.Transient(p.name, fmt.Errorf("%s: decode response: %w", method, err))
	}

	if resp.StatusCode != http.StatusOK || !r.OK {
		apiErr := &APIError{Method: method, Status: resp.StatusCode, Code: r.ErrorCode, Description: r.Description}
		if r.Parameters != nil {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		if apiErr.Temporary() {
			return messaging.Transient(p.name, apiErr)
		}
		return messaging.Permanent(p.name, apiErr)
	}

	if result != nil && len(r.Result) > 0 {
		if err := wire.Unmarshal(r.Result, result); err != nil {
			return messaging.Transient(p.name, fmt.Errorf("%s: decode result: %w", method, err))
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which include the URL
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}
