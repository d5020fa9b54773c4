package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ messaging.InboundPort = (*Port)(nil)
	_ messaging.HealthPort  = (*Port)(nil)
)

// fakeModem answers the AT commands the port uses over one end of a pipe.
type fakeModem struct {
	conn net.Conn

	mu          sync.Mutex
	pinRequired bool
	cmsError    bool
	silentSend  bool
	stored      map[int][2]string
	commands    []string
	sent        []string
}

func newFakeModem(conn net.Conn) *fakeModem {
	return &fakeModem{conn: conn, stored: map[int][2]string{}}
}

func (m *fakeModem) reply(lines ...string) {
	for _, l := range lines {
		_, _ = io.WriteString(m.conn, "\r\n"+l+"\r\n")
	}
}

func (m *fakeModem) serve() {
	r := bufio.NewReader(m.conn)
	for {
		raw, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(raw)

		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		pin, cms, silent := m.pinRequired, m.cmsError, m.silentSend
		m.mu.Unlock()

		switch {
		case cmd == "AT" || cmd == "ATE0" || cmd == "AT+CMGF=1":
			m.reply("OK")
		case cmd == "AT+CPIN?":
			if pin {
				m.reply("+CPIN: SIM PIN", "OK")
			} else {
				m.reply("+CPIN: READY", "OK")
			}
		case strings.HasPrefix(cmd, "AT+CPIN="):
			m.mu.Lock()
			m.pinRequired = false
			m.mu.Unlock()
			m.reply("OK")
		case strings.HasPrefix(cmd, "AT+CMGS="):
			if cms {
				m.reply("+CMS ERROR: 38")
				continue
			}
			if silent {
				continue
			}
			_, _ = io.WriteString(m.conn, "\r\n> ")
			text, err := r.ReadString(ctrlZ)
			if err != nil {
				return
			}
			m.mu.Lock()
			m.sent = append(m.sent, strings.TrimPrefix(cmd, "AT+CMGS=")+"|"+strings.TrimSuffix(text, string(rune(ctrlZ))))
			m.mu.Unlock()
			m.reply("+CMGS: 12", "OK")
		case cmd == `AT+CMGL="ALL"`:
			m.mu.Lock()
			var lines []string
			for i := 1; i <= 9; i++ {
				if sms, ok := m.stored[i]; ok {
					lines = append(lines, fmt.Sprintf(`+CMGL: %d,"REC UNREAD","%s",,"24/03/01,12:00:00+04"`, i, sms[0]), sms[1])
				}
			}
			m.mu.Unlock()
			m.reply(append(lines, "OK")...)
		case strings.HasPrefix(cmd, "AT+CMGD="):
			var idx int
			_, _ = fmt.Sscanf(cmd, "AT+CMGD=%d", &idx)
			m.mu.Lock()
			delete(m.stored, idx)
			m.mu.Unlock()
			m.reply("OK")
		default:
			m.reply("ERROR")
		}
	}
}

func (m *fakeModem) snapshot() (commands, sent []string, stored int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...), append([]string(nil), m.sent...), len(m.stored)
}

func newTestPort(t *testing.T, settings map[string]any, prepare func(*fakeModem)) (*Port, *fakeModem, error) {
	t.Helper()
	client, server := net.Pipe()
	fake := newFakeModem(server)
	if prepare != nil {
		prepare(fake)
	}
	go fake.serve()
	t.Cleanup(func() { _ = server.Close() })

	s := map[string]any{"port": "/dev/ttyUSB0", "connection": "at19200", "command_timeout": "1s", "send_timeout": "1s"}
	for k, v := range settings {
		s[k] = v
	}
	cfg := messaging.AdapterConfig{Name: "modem", Kind: KindGammu, Type: contracts.DestinationSMS, Enabled: true, Settings: s}

	var gotDevice string
	var gotBaud int
	p := New(cfg, WithOpener(func(device string, baud int) (io.ReadWriteCloser, error) {
		gotDevice, gotBaud = device, baud
		return client, nil
	}))
	err := p.Initialize(context.Background(), cfg)
	if err == nil {
		assert.Equal(t, "/dev/ttyUSB0", gotDevice)
		assert.Equal(t, 19200, gotBaud)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	}
	return p, fake, err
}

func TestInitialize(t *testing.T) {
	t.Run("selects text mode", func(t *testing.T) {
		_, fake, err := newTestPort(t, nil, nil)
		require.NoError(t, err)
		commands, _, _ := fake.snapshot()
		assert.Equal(t, []string{"AT", "ATE0", "AT+CPIN?", "AT+CMGF=1"}, commands)
	})

	t.Run("unlocks the SIM", func(t *testing.T) {
		_, fake, err := newTestPort(t, map[string]any{"pin": "1234"}, func(m *fakeModem) { m.pinRequired = true })
		require.NoError(t, err)
		commands, _, _ := fake.snapshot()
		assert.Contains(t, commands, `AT+CPIN="1234"`)
	})

	t.Run("locked SIM without pin fails", func(t *testing.T) {
		_, _, err := newTestPort(t, nil, func(m *fakeModem) { m.pinRequired = true })
		assert.ErrorIs(t, err, messaging.ErrInitialization)
	})

	t.Run("device open failure", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "modem", Settings: map[string]any{"device": "/dev/missing"}}
		p := New(cfg, WithOpener(func(string, int) (io.ReadWriteCloser, error) {
			return nil, errors.New("no such file")
		}))
		assert.ErrorIs(t, p.Initialize(context.Background(), cfg), messaging.ErrInitialization)
	})

	t.Run("device is required", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "modem"}
		assert.ErrorIs(t, New(cfg).Initialize(context.Background(), cfg), messaging.ErrInitialization)
	})
}

func TestSendMessage(t *testing.T) {
	dest := contracts.Destination{Type: contracts.DestinationSMS, Address: "+4712345678"}

	t.Run("sends text and returns the reference", func(t *testing.T) {
		p, fake, err := newTestPort(t, nil, nil)
		require.NoError(t, err)

		msg := contracts.NewMessage("5", "call me", dest)
		receipt, err := p.SendMessage(context.Background(), msg, dest)
		require.NoError(t, err)
		assert.Equal(t, "12", receipt.ProviderID)

		_, sent, _ := fake.snapshot()
		assert.Equal(t, []string{`"+4712345678"|call me`}, sent)
	})

	t.Run("invalid number is permanent", func(t *testing.T) {
		p, _, err := newTestPort(t, nil, nil)
		require.NoError(t, err)

		bad := contracts.Destination{Type: contracts.DestinationSMS, Address: "12345"}
		_, err = p.SendMessage(context.Background(), contracts.NewMessage("5", "x", bad), bad)
		assert.Equal(t, messaging.KindPermanent, messaging.ClassifyError(err))
	})

	t.Run("overlong text is permanent", func(t *testing.T) {
		p, _, err := newTestPort(t, nil, nil)
		require.NoError(t, err)

		_, err = p.SendMessage(context.Background(), contracts.NewMessage("5", strings.Repeat("x", 161), dest), dest)
		assert.Equal(t, messaging.KindPermanent, messaging.ClassifyError(err))
	})

	t.Run("network error is transient", func(t *testing.T) {
		p, fake, err := newTestPort(t, nil, nil)
		require.NoError(t, err)
		fake.mu.Lock()
		fake.cmsError = true
		fake.mu.Unlock()

		_, err = p.SendMessage(context.Background(), contracts.NewMessage("5", "x", dest), dest)
		assert.Equal(t, messaging.KindTransient, messaging.ClassifyError(err))
		var cms *CMSError
		require.ErrorAs(t, err, &cms)
		assert.Equal(t, 38, cms.Code)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		p, fake, err := newTestPort(t, map[string]any{"send_timeout": "50ms"}, nil)
		require.NoError(t, err)
		fake.mu.Lock()
		fake.silentSend = true
		fake.mu.Unlock()

		_, err = p.SendMessage(context.Background(), contracts.NewMessage("5", "x", dest), dest)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, messaging.KindTransient, messaging.ClassifyError(err))
	})
}

func TestReceive(t *testing.T) {
	p, fake, err := newTestPort(t, map[string]any{
		"forward_type":    "chat",
		"forward_address": "5",
		"poll_interval":   "20ms",
	}, func(m *fakeModem) {
		m.stored[2] = [2]string{"+4798765432", "water level high"}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan *contracts.Message)
	done := make(chan error, 1)
	go func() { done <- p.Receive(ctx, out) }()

	select {
	case msg := <-out:
		assert.Equal(t, "+4798765432", msg.Sender)
		assert.Equal(t, "water level high", msg.Content)
		assert.Equal(t, []contracts.Destination{{Type: contracts.DestinationChat, Address: "5"}}, msg.Destinations)
	case <-time.After(2 * time.Second):
		t.Fatal("stored sms not received")
	}

	require.Eventually(t, func() bool {
		_, _, stored := fake.snapshot()
		return stored == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReceiveWithoutForwardTarget(t *testing.T) {
	p, _, err := newTestPort(t, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Receive(ctx, make(chan *contracts.Message)), context.DeadlineExceeded)
}

func TestParseCMGL(t *testing.T) {
	got, err := parseCMGL([]string{
		`+CMGL: 1,"REC READ","+4711111111",,"24/03/01,12:00:00+04"`,
		"first line",
		"second line",
		`+CMGL: 3,"REC UNREAD","+4722222222",,"24/03/01,12:05:00+04"`,
		"hello, world",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, storedSMS{Index: 1, Status: "REC READ", Number: "+4711111111", Text: "first line\nsecond line"}, got[0])
	assert.Equal(t, "hello, world", got[1].Text)

	_, err = parseCMGL([]string{`+CMGL: x,"REC READ","+47"`})
	assert.Error(t, err)
}

func TestShutdownClosesDevice(t *testing.T) {
	p, _, err := newTestPort(t, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Ping(context.Background()), messaging.ErrNotInitialized)
}
