// Package modem drives the cellular module over its AT command port:
// link bring-up, SMS send/receive, and the module's built-in MQTT
// client as the fallback wide-area channel. The serial port itself is
// an io.ReadWriter collaborator, so tests script it directly.
package modem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agsys/irrigation-gateway/internal/clock"
	"github.com/agsys/irrigation-gateway/internal/queue"
)

// ErrTimeout is returned when the module does not answer a command in
// time.
var ErrTimeout = errors.New("modem timeout")

// ATError is a +CME/+CMS error response from the module.
type ATError struct {
	Line string
	Kind string // "CME" or "CMS", empty for a bare ERROR
	Code int
}

func (e *ATError) Error() string {
	if e.Kind == "" {
		return "modem error"
	}
	return fmt.Sprintf("modem %s error %d", e.Kind, e.Code)
}

func parseATError(line string) error {
	e := &ATError{Line: line}
	for _, kind := range []string{"CME", "CMS"} {
		marker := "+" + kind + " ERROR:"
		if idx := strings.Index(line, marker); idx >= 0 {
			e.Kind = kind
			e.Code, _ = strconv.Atoi(strings.TrimSpace(line[idx+len(marker):]))
			break
		}
	}
	return e
}

// Config holds modem configuration.
type Config struct {
	APN string

	CommandTimeout      time.Duration // per AT command
	SMSSendTimeout      time.Duration // send including network round trip
	PromptTimeout       time.Duration // wait for the '>' prompt
	InitRetries         int           // AT probe attempts at bring-up
	RetryDelay          time.Duration // between bring-up probes
	RegistrationRetries int           // network registration polls

	// Fallback MQTT client inside the module.
	MQTTBroker        string
	MQTTPort          int
	MQTTClientID      string
	MQTTUser          string
	MQTTPass          string
	MQTTCommandTopic  string
	MQTTStatusTopic   string
	MQTTMaxReconnects int
	MQTTReconnectWait time.Duration
}

// DefaultConfig returns default modem configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:      2 * time.Second,
		SMSSendTimeout:      30 * time.Second,
		PromptTimeout:       5 * time.Second,
		InitRetries:         10,
		RetryDelay:          time.Second,
		RegistrationRetries: 60,
		MQTTPort:            1883,
		MQTTCommandTopic:    "irrigation/commands",
		MQTTStatusTopic:     "irrigation/status",
		MQTTMaxReconnects:   5,
		MQTTReconnectWait:   5 * time.Second,
	}
}

// Modem owns the AT port. One command exchange runs at a time;
// unsolicited result codes are demultiplexed to registered handlers by
// the read loop.
type Modem struct {
	config  Config
	port    io.ReadWriter
	clock   clock.Clock
	ingress *queue.Queue

	exchangeMu sync.Mutex // serializes AT exchanges
	mu         sync.Mutex
	resp       chan string
	handlers   map[string]func(line string)
	ready      bool

	promptChan chan struct{}
	pendingSMS chan int
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// Fallback MQTT state, guarded by mu.
	mqttHealthy  bool
	mqttAttempts int
	mqttLastTry  uint32
	mqttBackoff  time.Duration
	smsReady     bool
}

// New creates a modem over the given port, feeding inbound traffic to
// the ingress queue.
func New(config Config, port io.ReadWriter, clk clock.Clock, ingress *queue.Queue) *Modem {
	m := &Modem{
		config:      config,
		port:        port,
		clock:       clk,
		ingress:     ingress,
		handlers:    make(map[string]func(string)),
		promptChan:  make(chan struct{}, 1),
		pendingSMS:  make(chan int, 10),
		stopChan:    make(chan struct{}),
		mqttBackoff: config.MQTTReconnectWait,
	}
	m.Handle("+CMTI:", m.onSMSIndication)
	m.Handle("+CDS:", func(line string) { log.Printf("SMS delivery report: %s", line) })
	m.Handle("+QMTSTAT:", m.onMQTTStat)
	m.Handle("+QMTRECV:", m.onMQTTReceive)
	m.Handle("RDY", func(string) { log.Println("Modem reports ready") })
	m.Handle("POWERED DOWN", func(string) { log.Println("Modem powered down") })
	return m
}

// Handle registers an unsolicited result code handler for lines with
// the given prefix. Handlers run on the read loop and must not issue
// AT commands.
func (m *Modem) Handle(prefix string, fn func(line string)) {
	m.mu.Lock()
	m.handlers[prefix] = fn
	m.mu.Unlock()
}

// Start launches the read loop.
func (m *Modem) Start() {
	m.wg.Add(1)
	go m.readLoop()
}

// Stop terminates the read loop. The caller closes the port.
func (m *Modem) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// IsReady reports whether bring-up completed.
func (m *Modem) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Init brings the module up: probe, echo off, SIM, APN, network
// registration, PDP context.
func (m *Modem) Init() error {
	alive := false
	for i := 0; i < m.config.InitRetries; i++ {
		if _, err := m.Exchange("AT", m.config.CommandTimeout); err == nil {
			alive = true
			break
		}
		time.Sleep(m.config.RetryDelay)
	}
	if !alive {
		return fmt.Errorf("module not responding: %w", ErrTimeout)
	}

	if _, err := m.Exchange("ATE0", m.config.CommandTimeout); err != nil {
		return fmt.Errorf("disable echo: %w", err)
	}

	sim := false
	for i := 0; i < m.config.InitRetries; i++ {
		lines, err := m.Exchange("AT+CPIN?", m.config.CommandTimeout)
		if err == nil && containsLine(lines, "READY") {
			sim = true
			break
		}
		// CME 14 is SIM busy while it initializes.
		time.Sleep(m.config.RetryDelay)
	}
	if !sim {
		return fmt.Errorf("SIM not ready")
	}

	m.Exchange(`AT+QCFG="nwscanmode",3,1`, m.config.CommandTimeout)
	if _, err := m.Exchange(fmt.Sprintf(`AT+QICSGP=1,1,"%s","","",1`, m.config.APN), m.config.CommandTimeout); err != nil {
		return fmt.Errorf("set APN: %w", err)
	}

	registered := false
	for i := 0; i < m.config.RegistrationRetries; i++ {
		creg, _ := m.Exchange("AT+CREG?", m.config.CommandTimeout)
		cgreg, _ := m.Exchange("AT+CGREG?", m.config.CommandTimeout)
		if isRegistered(creg) || isRegistered(cgreg) {
			registered = true
			break
		}
		time.Sleep(m.config.RetryDelay)
	}
	if !registered {
		return fmt.Errorf("network registration failed")
	}

	if _, err := m.Exchange("AT+QIACT=1", 3*m.config.CommandTimeout); err != nil {
		log.Printf("PDP activation: %v", err)
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	log.Println("Modem initialization complete")
	return nil
}

// Exchange sends one AT command and collects response lines until the
// final OK or ERROR.
func (m *Modem) Exchange(cmd string, timeout time.Duration) ([]string, error) {
	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()

	resp := m.openResponse()
	defer m.closeResponse()

	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, fmt.Errorf("write %s: %w", cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var lines []string
	for {
		select {
		case line := <-resp:
			if line == "OK" {
				return lines, nil
			}
			if strings.Contains(line, "ERROR") {
				return lines, parseATError(line)
			}
			lines = append(lines, line)
		case <-timer.C:
			return lines, fmt.Errorf("%s: %w", cmd, ErrTimeout)
		case <-m.stopChan:
			return lines, fmt.Errorf("%s: modem stopped", cmd)
		}
	}
}

func (m *Modem) openResponse() chan string {
	resp := make(chan string, 16)
	m.mu.Lock()
	m.resp = resp
	m.mu.Unlock()
	return resp
}

func (m *Modem) closeResponse() {
	m.mu.Lock()
	m.resp = nil
	m.mu.Unlock()
}

// readLoop scans the port and routes tokens: the '>' prompt, known
// unsolicited codes, and command response lines.
func (m *Modem) readLoop() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.port)
	scanner.Split(scanAT)

	for scanner.Scan() {
		select {
		case <-m.stopChan:
			return
		default:
		}

		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		if token == ">" {
			select {
			case m.promptChan <- struct{}{}:
			default:
			}
			continue
		}
		if m.dispatchURC(token) {
			continue
		}

		m.mu.Lock()
		resp := m.resp
		m.mu.Unlock()
		if resp != nil {
			select {
			case resp <- token:
			default:
			}
		} else {
			log.Printf("Unhandled modem line: %s", token)
		}
	}
}

func (m *Modem) dispatchURC(line string) bool {
	m.mu.Lock()
	var fn func(string)
	for prefix, h := range m.handlers {
		if strings.HasPrefix(line, prefix) {
			fn = h
			break
		}
	}
	m.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(line)
	return true
}

// scanAT tokenizes the AT stream: CR/LF-terminated lines plus the bare
// '>' SMS prompt, which arrives without a terminator.
func scanAT(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if start == len(data) {
		return start, nil, nil
	}
	if data[start] == '>' {
		adv := start + 1
		if adv < len(data) && data[adv] == ' ' {
			adv++
		}
		return adv, []byte(">"), nil
	}
	for i := start; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// isRegistered checks +CREG/+CGREG status for home (1) or roaming (5).
func isRegistered(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(l, ",1") || strings.Contains(l, ",5") {
			return true
		}
	}
	return false
}
