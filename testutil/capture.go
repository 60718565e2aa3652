package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// LineCapture is an io.Writer that splits its input into lines, for
// asserting on CLI output and log records in tests.
type LineCapture struct {
	mu    sync.Mutex
	buf   []byte
	all   []string
	lines chan string
}

func NewLineCapture() *LineCapture {
	return &LineCapture{lines: make(chan string, 1024)}
}

// Write implements io.Writer. Complete non-empty lines are recorded and
// sent to the channel; when the channel is full they are only recorded.
func (c *LineCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(c.buf[:idx])
		c.buf = c.buf[idx+1:]
		if line == "" {
			continue
		}
		c.all = append(c.all, line)
		select {
		case c.lines <- line:
		default:
		}
	}
	return len(p), nil
}

// WaitLine waits up to timeout for the next line. Calls t.Fatal on timeout.
func (c *LineCapture) WaitLine(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case line := <-c.lines:
		return line
	case <-time.After(timeout):
		t.Fatal("timed out waiting for output line")
		return ""
	}
}

// All returns every complete line written so far.
func (c *LineCapture) All() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.all...)
}

// Contains reports whether any line written so far contains substr.
func (c *LineCapture) Contains(substr string) bool {
	for _, l := range c.All() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
