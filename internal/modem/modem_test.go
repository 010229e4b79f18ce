package modem

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agsys/irrigation-gateway/internal/queue"
)

// scriptPort is an in-memory AT port: each written command is answered
// by the respond function, and feed injects unsolicited lines.
type scriptPort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	tx      []string
	respond func(cmd string) string
	closed  chan struct{}
}

func newScriptPort(respond func(cmd string) string) *scriptPort {
	return &scriptPort{respond: respond, closed: make(chan struct{})}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.rx.Len() > 0 {
			n, _ := p.rx.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, io.EOF
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *scriptPort) Write(b []byte) (int, error) {
	cmd := strings.TrimRight(string(b), "\r\n")
	p.mu.Lock()
	p.tx = append(p.tx, cmd)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		if resp := respond(cmd); resp != "" {
			p.feed(resp)
		}
	}
	return len(b), nil
}

func (p *scriptPort) feed(s string) {
	p.mu.Lock()
	p.rx.WriteString(s)
	p.mu.Unlock()
}

func (p *scriptPort) writes(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cmd := range p.tx {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	mono uint32
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) MonotonicMS() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *fakeClock) advance(ms uint32) {
	c.mu.Lock()
	c.mono += ms
	c.mu.Unlock()
}

func testConfig() Config {
	config := DefaultConfig()
	config.CommandTimeout = 100 * time.Millisecond
	config.PromptTimeout = 100 * time.Millisecond
	config.SMSSendTimeout = 200 * time.Millisecond
	config.RetryDelay = time.Millisecond
	config.InitRetries = 2
	config.RegistrationRetries = 2
	config.MQTTBroker = "broker.example.com"
	config.MQTTClientID = "gw1"
	config.MQTTReconnectWait = 100 * time.Millisecond
	return config
}

func newTestModem(t *testing.T, respond func(cmd string) string) (*Modem, *scriptPort, *queue.Queue, *fakeClock) {
	t.Helper()
	port := newScriptPort(respond)
	q := queue.New(queue.DefaultCapacity)
	clk := &fakeClock{}
	m := New(testConfig(), port, clk, q)
	m.Start()
	t.Cleanup(func() {
		close(port.closed)
		m.Stop()
	})
	return m, port, q, clk
}

func okResponder(cmd string) string {
	return "\r\nOK\r\n"
}

func TestExchangeCollectsUntilOK(t *testing.T) {
	m, _, _, _ := newTestModem(t, func(cmd string) string {
		if cmd == "AT+CSQ" {
			return "\r\n+CSQ: 21,0\r\n\r\nOK\r\n"
		}
		return "\r\nOK\r\n"
	})

	lines, err := m.Exchange("AT+CSQ", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "+CSQ: 21,0" {
		t.Errorf("lines = %v", lines)
	}
}

func TestExchangeDecodesCMEError(t *testing.T) {
	m, _, _, _ := newTestModem(t, func(cmd string) string {
		return "\r\n+CME ERROR: 14\r\n"
	})

	_, err := m.Exchange("AT+CPIN?", 100*time.Millisecond)
	var atErr *ATError
	if !errors.As(err, &atErr) {
		t.Fatalf("err = %v", err)
	}
	if atErr.Kind != "CME" || atErr.Code != 14 {
		t.Errorf("atErr = %+v", atErr)
	}
}

func TestExchangeTimesOut(t *testing.T) {
	m, _, _, _ := newTestModem(t, func(cmd string) string { return "" })

	_, err := m.Exchange("AT", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestURCRoutedToHandler(t *testing.T) {
	m, port, _, _ := newTestModem(t, okResponder)

	port.feed("\r\n+CMTI: \"SM\",5\r\n")

	select {
	case idx := <-m.pendingSMS:
		if idx != 5 {
			t.Errorf("index = %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("indication not routed")
	}
}

func TestMQTTStatDropsConnection(t *testing.T) {
	m, port, _, _ := newTestModem(t, okResponder)
	m.mu.Lock()
	m.mqttHealthy = true
	m.mu.Unlock()

	port.feed("\r\n+QMTSTAT: 0,2\r\n")

	deadline := time.After(time.Second)
	for m.MQTTHealthy() {
		select {
		case <-deadline:
			t.Fatal("connection never marked dropped")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSendSMSPromptHandshake(t *testing.T) {
	m, port, _, _ := newTestModem(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+CMGS=") {
			return "\r\n> "
		}
		if strings.HasSuffix(cmd, "\x1a") {
			return "\r\n+CMGS: 12\r\n\r\nOK\r\n"
		}
		return "\r\nOK\r\n"
	})
	m.mu.Lock()
	m.smsReady = true
	m.mu.Unlock()

	if err := m.SendSMS("+15550001111", "OK|SCH|S=A"); err != nil {
		t.Fatal(err)
	}
	if port.writes(`AT+CMGS="+15550001111"`) != 1 {
		t.Errorf("tx = %v", port.tx)
	}
}

func TestSendSMSDecodesCMSError(t *testing.T) {
	m, _, _, _ := newTestModem(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+CMGS=") {
			return "\r\n> "
		}
		if strings.HasSuffix(cmd, "\x1a") {
			return "\r\n+CMS ERROR: 331\r\n"
		}
		return "\r\nOK\r\n"
	})
	m.mu.Lock()
	m.smsReady = true
	m.mu.Unlock()

	err := m.SendSMS("+15550001111", "hello")
	var atErr *ATError
	if !errors.As(err, &atErr) {
		t.Fatalf("err = %v", err)
	}
	if atErr.Kind != "CMS" || atErr.Code != 331 {
		t.Errorf("atErr = %+v", atErr)
	}
}

func TestCheckInboxReadsDeletesAndEnqueues(t *testing.T) {
	m, port, q, _ := newTestModem(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+CMGR=5") {
			return "\r\n+CMGR: \"REC UNREAD\",\"+15550001111\",\"\",\"24/06/01,06:30:00+00\"\r\n1 STOP\r\n\r\nOK\r\n"
		}
		return "\r\nOK\r\n"
	})
	m.mu.Lock()
	m.smsReady = true
	m.mu.Unlock()

	port.feed("\r\n+CMTI: \"SM\",5\r\n")
	deadline := time.After(time.Second)
	for len(m.pendingSMS) == 0 {
		select {
		case <-deadline:
			t.Fatal("indication not queued")
		case <-time.After(time.Millisecond):
		}
	}

	m.CheckInbox()

	msg, ok := q.Pop()
	if !ok {
		t.Fatal("SMS not enqueued")
	}
	if msg.Payload != "1 STOP,SRC=sms" {
		t.Errorf("payload = %q", msg.Payload)
	}
	if msg.Sender != "+15550001111" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if port.writes("AT+CMGD=5") != 1 {
		t.Error("message not deleted after read")
	}
}

func TestUnreadIndices(t *testing.T) {
	m, _, _, _ := newTestModem(t, func(cmd string) string {
		if cmd == "AT+CMGL=0" {
			return "\r\n+CMGL: 34,\"REC UNREAD\",\"+15550001111\",,\"24/06/01,06:30:00+00\"\r\nbody one\r\n" +
				"+CMGL: 35,\"REC UNREAD\",\"+15550002222\",,\"24/06/01,06:31:00+00\"\r\nbody two\r\n\r\nOK\r\n"
		}
		return "\r\nOK\r\n"
	})
	m.mu.Lock()
	m.smsReady = true
	m.mu.Unlock()

	indices, err := m.UnreadIndices()
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 2 || indices[0] != 34 || indices[1] != 35 {
		t.Errorf("indices = %v", indices)
	}
}

func TestMQTTReceiveEnqueuedWithSourceTag(t *testing.T) {
	_, port, q, _ := newTestModem(t, okResponder)

	port.feed("\r\n+QMTRECV: 0,1,\"irrigation/commands\",\"1 OPEN,TOK=X\"\r\n")

	deadline := time.After(time.Second)
	for q.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("message not enqueued")
		case <-time.After(time.Millisecond):
		}
	}
	msg, _ := q.Pop()
	if msg.Payload != "1 OPEN,TOK=X,SRC=pub" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestMaintainMQTTBacksOffAndCapsAttempts(t *testing.T) {
	m, port, _, clk := newTestModem(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+QMTOPEN") {
			return "\r\nERROR\r\n"
		}
		return "\r\nOK\r\n"
	})
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	// First attempt fires immediately; later ones wait out the
	// doubling backoff.
	m.MaintainMQTT()
	if got := port.writes("AT+QMTOPEN"); got != 1 {
		t.Fatalf("opens after first attempt = %d", got)
	}

	m.MaintainMQTT()
	if got := port.writes("AT+QMTOPEN"); got != 1 {
		t.Fatalf("attempt fired inside backoff window, opens = %d", got)
	}

	for i := 0; i < 20; i++ {
		clk.advance(60_000)
		m.MaintainMQTT()
	}
	if got := port.writes("AT+QMTOPEN"); got != m.config.MQTTMaxReconnects {
		t.Errorf("opens = %d, want %d", got, m.config.MQTTMaxReconnects)
	}
}
