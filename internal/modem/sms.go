package modem

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/queue"
)

// SMS is one stored message.
type SMS struct {
	Index     int
	Sender    string
	Timestamp string
	Body      string
}

// ConfigureSMS puts the module in text mode and enables delivery
// indications.
func (m *Modem) ConfigureSMS() error {
	if !m.IsReady() {
		return fmt.Errorf("modem not ready")
	}

	// Route unsolicited codes to the UART the gateway listens on.
	m.Exchange(`AT+QURCCFG="urcport","uart1"`, m.config.CommandTimeout)
	m.Exchange(`AT+QCFG="urc/ri/smsincoming","pulse",120`, m.config.CommandTimeout)

	if _, err := m.Exchange("AT+CMGF=1", m.config.CommandTimeout); err != nil {
		return fmt.Errorf("set text mode: %w", err)
	}

	if _, err := m.Exchange(`AT+CPMS="SM","SM","SM"`, m.config.CommandTimeout); err != nil {
		log.Printf("SIM storage unavailable, falling back to ME: %v", err)
		m.Exchange(`AT+CPMS="ME","ME","ME"`, m.config.CommandTimeout)
	}

	m.Exchange("AT+CNMI=2,1,0,0,0", m.config.CommandTimeout)
	m.Exchange(`AT+CSCS="GSM"`, m.config.CommandTimeout)

	if lines, err := m.Exchange("AT+CSCA?", m.config.CommandTimeout); err != nil || containsLine(lines, `""`) {
		log.Println("SMSC address not configured, sending will fail")
	}

	m.mu.Lock()
	m.smsReady = true
	m.mu.Unlock()
	return nil
}

// SMSReady reports whether SMS configuration completed.
func (m *Modem) SMSReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smsReady
}

// SendSMS sends one text message. The prompt handshake and the final
// network acknowledgement both run under the send timeout budget.
func (m *Modem) SendSMS(phone, text string) error {
	if !m.SMSReady() {
		return fmt.Errorf("SMS not configured")
	}

	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()

	resp := m.openResponse()
	defer m.closeResponse()

	// Drain a stale prompt from an aborted earlier send.
	select {
	case <-m.promptChan:
	default:
	}

	cmd := fmt.Sprintf(`AT+CMGS="%s"`, phone)
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}

	select {
	case <-m.promptChan:
	case <-time.After(m.config.PromptTimeout):
		return fmt.Errorf("send to %s: no prompt: %w", phone, ErrTimeout)
	case <-m.stopChan:
		return fmt.Errorf("modem stopped")
	}

	if _, err := m.port.Write(append([]byte(text), 0x1A)); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	deadline := time.After(m.config.SMSSendTimeout)
	accepted := false
	for {
		select {
		case line := <-resp:
			if strings.HasPrefix(line, "+CMGS:") {
				accepted = true
				continue
			}
			if line == "OK" && accepted {
				return nil
			}
			if strings.Contains(line, "ERROR") {
				return fmt.Errorf("send to %s: %w", phone, parseATError(line))
			}
		case <-deadline:
			return fmt.Errorf("send to %s: %w", phone, ErrTimeout)
		case <-m.stopChan:
			return fmt.Errorf("modem stopped")
		}
	}
}

// ReadSMS reads one stored message by index.
func (m *Modem) ReadSMS(index int) (*SMS, error) {
	lines, err := m.Exchange("AT+CMGR="+strconv.Itoa(index), m.config.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("read %d: %w", index, err)
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "+CMGR:") {
		return nil, fmt.Errorf("read %d: no message", index)
	}

	sms := &SMS{Index: index}
	// +CMGR: "REC UNREAD","+15550001111","","24/06/01,06:30:00+00"
	fields := strings.Split(lines[0], `"`)
	if len(fields) >= 4 {
		sms.Sender = fields[3]
	}
	if len(fields) >= 8 {
		sms.Timestamp = fields[7]
	}
	sms.Body = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	return sms, nil
}

// DeleteSMS removes one stored message.
func (m *Modem) DeleteSMS(index int) error {
	if _, err := m.Exchange("AT+CMGD="+strconv.Itoa(index), m.config.CommandTimeout); err != nil {
		return fmt.Errorf("delete %d: %w", index, err)
	}
	return nil
}

// UnreadIndices lists the storage indices of unread messages.
func (m *Modem) UnreadIndices() ([]int, error) {
	lines, err := m.Exchange("AT+CMGL=0", m.config.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}

	var indices []int
	for _, line := range lines {
		if !strings.HasPrefix(line, "+CMGL:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "+CMGL:"))
		if comma := strings.IndexByte(rest, ','); comma > 0 {
			if idx, err := strconv.Atoi(strings.TrimSpace(rest[:comma])); err == nil && idx > 0 {
				indices = append(indices, idx)
			}
		}
	}
	return indices, nil
}

// onSMSIndication queues the index from a +CMTI line. Fetching runs
// later on CheckInbox, off the read loop.
func (m *Modem) onSMSIndication(line string) {
	comma := strings.LastIndexByte(line, ',')
	if comma < 0 {
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(line[comma+1:]))
	if err != nil || index <= 0 {
		return
	}
	select {
	case m.pendingSMS <- index:
	default:
		log.Println("SMS indication backlog full")
	}
}

// CheckInbox drains indicated messages plus any unread stragglers,
// pushing each body onto the ingress queue tagged with its source and
// sender. Called from the gateway's cooperative loop.
func (m *Modem) CheckInbox() {
	if !m.SMSReady() {
		return
	}

	seen := make(map[int]bool)
	var indices []int
	for {
		select {
		case idx := <-m.pendingSMS:
			if !seen[idx] {
				seen[idx] = true
				indices = append(indices, idx)
			}
			continue
		default:
		}
		break
	}

	if len(indices) == 0 {
		unread, err := m.UnreadIndices()
		if err != nil {
			return
		}
		indices = unread
	}

	for _, idx := range indices {
		sms, err := m.ReadSMS(idx)
		if err != nil {
			log.Printf("SMS read failed: %v", err)
			continue
		}
		m.enqueueSMS(sms)
		if err := m.DeleteSMS(idx); err != nil {
			log.Printf("SMS delete failed: %v", err)
		}
	}
}

func (m *Modem) enqueueSMS(sms *SMS) {
	body := sms.Body
	if !strings.Contains(body, "SRC=") {
		body += ",SRC=" + auth.SourceSMS
	}
	if dropped := m.ingress.Push(queue.Message{Payload: body, Sender: sms.Sender}); dropped {
		log.Println("Ingress queue full, dropped oldest payload")
	}
}
