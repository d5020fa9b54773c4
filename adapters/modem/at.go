package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

const ctrlZ = 0x1a

var (
	// ErrTimeout is returned when the modem does not answer in time
	ErrTimeout = errors.New("modem: command timed out")
	// ErrClosed is returned after the device was closed or failed
	ErrClosed = errors.New("modem: device closed")
	// ErrCommandFailed is a bare ERROR reply
	ErrCommandFailed = errors.New("modem: command failed")
)

// CMSError is a "+CMS ERROR" or "+CME ERROR" reply
type CMSError struct {
	Prefix string
	Code   int
	Text   string
}

func (e *CMSError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("modem: %s ERROR %d", e.Prefix, e.Code)
	}
	return fmt.Sprintf("modem: %s ERROR %s", e.Prefix, e.Text)
}

// atConn runs AT commands over a serial line. One command is in flight at a
// time; a reader goroutine splits the device output into lines, plus the
// bare "> " prompt that AT+CMGS answers with.
type atConn struct {
	dev   io.ReadWriteCloser
	mu    sync.Mutex
	lines chan string
	done  chan struct{}
	err   error
}

func newATConn(dev io.ReadWriteCloser) *atConn {
	c := &atConn{dev: dev, lines: make(chan string, 64), done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *atConn) readLoop() {
	defer close(c.done)
	r := bufio.NewReader(c.dev)
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			c.err = err
			return
		}
		switch {
		case b == '\n':
			if line := strings.TrimSpace(string(buf)); line != "" {
				c.lines <- line
			}
			buf = buf[:0]
		case b == ' ' && len(buf) == 1 && buf[0] == '>':
			c.lines <- ">"
			buf = buf[:0]
		default:
			buf = append(buf, b)
		}
	}
}

// drain discards unsolicited output left from earlier commands
func (c *atConn) drain() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

func (c *atConn) next(ctx context.Context, timer *time.Timer) (string, error) {
	select {
	case line := <-c.lines:
		return line, nil
	case <-c.done:
		if c.err != nil && !errors.Is(c.err, io.EOF) {
			return "", fmt.Errorf("%w: %v", ErrClosed, c.err)
		}
		return "", ErrClosed
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Command sends cmd and collects the response lines up to the final result code.
func (c *atConn) Command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drain()
	if _, err := io.WriteString(c.dev, cmd+"\r"); err != nil {
		return nil, fmt.Errorf("modem: write %s: %w", cmd, err)
	}
	return c.collect(ctx, cmd, time.NewTimer(timeout))
}

// SendText runs AT+CMGS: the command, the prompt, then text terminated by Ctrl-Z.
func (c *atConn) SendText(ctx context.Context, number, text string, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drain()
	cmd := fmt.Sprintf("AT+CMGS=%q", number)
	if _, err := io.WriteString(c.dev, cmd+"\r"); err != nil {
		return nil, fmt.Errorf("modem: write %s: %w", cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		line, err := c.next(ctx, timer)
		if err != nil {
			return nil, err
		}
		if line == ">" {
			break
		}
		if err := resultError(line); err != nil {
			return nil, err
		}
	}

	if _, err := c.dev.Write(append([]byte(text), ctrlZ)); err != nil {
		return nil, fmt.Errorf("modem: write text: %w", err)
	}
	return c.collect(ctx, cmd, timer)
}

func (c *atConn) collect(ctx context.Context, cmd string, timer *time.Timer) ([]string, error) {
	defer timer.Stop()
	var out []string
	for {
		line, err := c.next(ctx, timer)
		if err != nil {
			return nil, err
		}
		switch {
		case line == cmd:
			// echo
		case line == "OK":
			return out, nil
		default:
			if err := resultError(line); err != nil {
				return nil, err
			}
			out = append(out, line)
		}
	}
}

func resultError(line string) error {
	switch {
	case line == "ERROR":
		return ErrCommandFailed
	case strings.HasPrefix(line, "+CMS ERROR:"):
		return parseCMSError("CMS", strings.TrimPrefix(line, "+CMS ERROR:"))
	case strings.HasPrefix(line, "+CME ERROR:"):
		return parseCMSError("CME", strings.TrimPrefix(line, "+CME ERROR:"))
	}
	return nil
}

func parseCMSError(prefix, rest string) error {
	rest = strings.TrimSpace(rest)
	code, err := strconv.Atoi(rest)
	if err != nil {
		return &CMSError{Prefix: prefix, Code: -1, Text: rest}
	}
	return &CMSError{Prefix: prefix, Code: code}
}

func (c *atConn) Close() error {
	return c.dev.Close()
}

// storedSMS is one entry of an AT+CMGL listing
type storedSMS struct {
	Index  int
	Status string
	Number string
	Text   string
}

// parseCMGL parses text-mode listing lines: a +CMGL header followed by the text.
func parseCMGL(lines []string) ([]storedSMS, error) {
	var out []storedSMS
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "+CMGL:") {
			continue
		}
		fields := splitCSV(strings.TrimSpace(strings.TrimPrefix(line, "+CMGL:")))
		if len(fields) < 3 {
			return nil, fmt.Errorf("modem: malformed listing %q", line)
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("modem: malformed index in %q", line)
		}

		var text []string
		for i+1 < len(lines) && !strings.HasPrefix(lines[i+1], "+CMGL:") {
			i++
			text = append(text, lines[i])
		}
		out = append(out, storedSMS{Index: index, Status: fields[1], Number: fields[2], Text: strings.Join(text, "\n")})
	}
	return out, nil
}

// splitCSV splits a comma separated AT response, honouring quotes.
func splitCSV(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}
