package modem

import (
	"fmt"
	"log"
	"strings"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/clock"
	"github.com/agsys/irrigation-gateway/internal/queue"
)

// ConfigureMQTT opens and connects the module's built-in MQTT client.
func (m *Modem) ConfigureMQTT() error {
	if !m.IsReady() {
		return fmt.Errorf("modem not ready")
	}

	m.Exchange(`AT+QMTCFG="version",0,4`, m.config.CommandTimeout)
	m.Exchange(`AT+QMTCFG="keepalive",0,120`, m.config.CommandTimeout)
	m.Exchange(`AT+QMTCFG="session",0,0`, m.config.CommandTimeout)
	m.Exchange(`AT+QMTCFG="timeout",0,30,3,0`, m.config.CommandTimeout)

	open := fmt.Sprintf(`AT+QMTOPEN=0,"%s",%d`, m.config.MQTTBroker, m.config.MQTTPort)
	if _, err := m.Exchange(open, 5*m.config.CommandTimeout); err != nil {
		return fmt.Errorf("open broker: %w", err)
	}

	connect := fmt.Sprintf(`AT+QMTCONN=0,"%s"`, m.config.MQTTClientID)
	if m.config.MQTTUser != "" {
		connect = fmt.Sprintf(`AT+QMTCONN=0,"%s","%s","%s"`,
			m.config.MQTTClientID, m.config.MQTTUser, m.config.MQTTPass)
	}
	if _, err := m.Exchange(connect, 5*m.config.CommandTimeout); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	if m.config.MQTTCommandTopic != "" {
		if err := m.SubscribeMQTT(m.config.MQTTCommandTopic); err != nil {
			log.Printf("Command topic subscribe failed: %v", err)
		}
	}

	m.mu.Lock()
	m.mqttHealthy = true
	m.mqttAttempts = 0
	m.mqttBackoff = m.config.MQTTReconnectWait
	m.mu.Unlock()
	log.Println("Modem MQTT connected")
	return nil
}

// MQTTHealthy reports whether the fallback channel is usable.
func (m *Modem) MQTTHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mqttHealthy
}

// PublishMQTT publishes one message on the fallback channel.
func (m *Modem) PublishMQTT(topic, payload string) error {
	if !m.MQTTHealthy() {
		return fmt.Errorf("MQTT not connected")
	}

	cmd := fmt.Sprintf(`AT+QMTPUB=0,0,0,0,"%s","%s"`, topic, escapeQuotes(payload))
	if _, err := m.Exchange(cmd, 5*m.config.CommandTimeout); err != nil {
		m.mu.Lock()
		m.mqttHealthy = false
		m.mu.Unlock()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// SubscribeMQTT subscribes to one topic.
func (m *Modem) SubscribeMQTT(topic string) error {
	cmd := fmt.Sprintf(`AT+QMTSUB=0,1,"%s",0`, topic)
	if _, err := m.Exchange(cmd, 5*m.config.CommandTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// MaintainMQTT retries a dropped connection with doubling backoff up
// to the attempt cap. Called from the gateway's cooperative loop.
func (m *Modem) MaintainMQTT() {
	m.mu.Lock()
	ready := m.ready
	healthy := m.mqttHealthy
	attempts := m.mqttAttempts
	lastTry := m.mqttLastTry
	backoff := m.mqttBackoff
	m.mu.Unlock()

	if !ready || healthy || attempts >= m.config.MQTTMaxReconnects {
		return
	}

	now := m.clock.MonotonicMS()
	if attempts > 0 && clock.ElapsedMS(now, lastTry) < uint32(backoff.Milliseconds()) {
		return
	}

	m.mu.Lock()
	m.mqttLastTry = now
	m.mqttAttempts++
	m.mqttBackoff = backoff * 2
	m.mu.Unlock()

	// Tear down whatever half-open state the module holds.
	m.Exchange("AT+QMTDISC=0", m.config.CommandTimeout)
	m.Exchange("AT+QMTCLOSE=0", m.config.CommandTimeout)

	if err := m.ConfigureMQTT(); err != nil {
		log.Printf("MQTT reconnect attempt %d failed: %v", attempts+1, err)
	}
}

// onMQTTStat latches a broker drop reported by the module.
func (m *Modem) onMQTTStat(line string) {
	m.mu.Lock()
	m.mqttHealthy = false
	m.mu.Unlock()
	log.Printf("MQTT connection dropped: %s", line)
}

// onMQTTReceive enqueues an inbound fallback-channel message.
// Format: +QMTRECV: 0,<msgID>,"<topic>","<payload>"
func (m *Modem) onMQTTReceive(line string) {
	fields := strings.Split(line, `"`)
	if len(fields) < 4 {
		log.Printf("Malformed MQTT receive: %s", line)
		return
	}
	payload := fields[3]
	if payload == "" {
		return
	}
	if !strings.Contains(payload, "SRC=") {
		payload += ",SRC=" + auth.SourcePub
	}
	if dropped := m.ingress.Push(queue.Message{Payload: payload}); dropped {
		log.Println("Ingress queue full, dropped oldest payload")
	}
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
