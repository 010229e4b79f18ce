// Package pubsub provides the wide-area publish/subscribe channel over
// a WebSocket broker connection. Inbound command and schedule messages
// are tagged and pushed onto the shared ingress queue; outbound status
// and telemetry events are published with unique message IDs.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/queue"
)

// MessageType defines the type of a broker message
type MessageType string

const (
	// Outbound messages (to broker)
	MsgTypeAck       MessageType = "ack"
	MsgTypePong      MessageType = "pong"
	MsgTypeStatus    MessageType = "status"
	MsgTypeTelemetry MessageType = "telemetry"

	// Inbound messages (from broker)
	MsgTypeCommand  MessageType = "command"
	MsgTypeSchedule MessageType = "schedule"
	MsgTypePing     MessageType = "ping"
)

// Message represents a broker message in either direction
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// CommandPayload carries an inbound command body
type CommandPayload struct {
	Body string `json:"body"`
}

// Config holds pub/sub client configuration
type Config struct {
	URL       string // WebSocket URL (wss://broker.example.com/ws/gateway)
	GatewayID string // Gateway identifier sent on connect
	APIKey    string // API key for the broker handshake

	PingInterval time.Duration // Interval for ping/keepalive
	WriteTimeout time.Duration // Timeout for write operations
	ReadTimeout  time.Duration // Timeout for read operations

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default pub/sub client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Client maintains the broker connection and bridges it onto the
// ingress queue
type Client struct {
	config    Config
	ingress   *queue.Queue
	conn      *websocket.Conn
	sendChan  chan *Message
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration
}

// New creates a pub/sub client feeding the given ingress queue
func New(config Config, ingress *queue.Queue) *Client {
	return &Client{
		config:            config,
		ingress:           ingress,
		sendChan:          make(chan *Message, 100),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// Start connects to the broker and starts the message loops
func (c *Client) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects from the broker and stops all loops
func (c *Client) Stop() error {
	close(c.stopChan)
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish queues an outbound message of the given type. It fails when
// the send queue is full rather than blocking the caller.
func (c *Client) Publish(msgType MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := &Message{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   data,
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// PublishStatus publishes a status line (engine emissions, boot notice)
func (c *Client) PublishStatus(line string) error {
	return c.Publish(MsgTypeStatus, map[string]string{"line": line})
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Printf("Failed to connect to broker: %v", err)
			c.waitWithBackoff()
			continue
		}

		// Reset retry delay on successful connection
		c.currentRetryDelay = c.config.InitialRetryDelay

		c.runMessageLoops(ctx)

		log.Println("Disconnected from broker, reconnecting...")
		c.waitWithBackoff()
	}
}

// waitWithBackoff waits for the current retry delay with jitter
func (c *Client) waitWithBackoff() {
	jitter := c.currentRetryDelay.Seconds() * c.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := c.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	time.Sleep(delay)

	c.currentRetryDelay = time.Duration(float64(c.currentRetryDelay) * c.config.BackoffMultiplier)
	if c.currentRetryDelay > c.config.MaxRetryDelay {
		c.currentRetryDelay = c.config.MaxRetryDelay
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect() error {
	wsURL := fmt.Sprintf("%s?api_key=%s&gateway_id=%s",
		c.config.URL, c.config.APIKey, c.config.GatewayID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("Connected to broker: %s", c.config.URL)
	return nil
}

// disconnect closes the WebSocket connection
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// runMessageLoops runs the read and write loops
func (c *Client) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse broker message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// writeLoop sends messages to the WebSocket
func (c *Client) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return

		case msg := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage routes an inbound broker message. Commands and
// schedules are tagged with their source and enqueued for the router;
// authentication stays end to end, so any TOK tag inside the body is
// carried through untouched.
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeCommand:
		var cmd CommandPayload
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.Body == "" {
			log.Printf("Malformed command payload: %v", err)
			c.sendAck(msg.ID, false)
			return
		}
		c.enqueue(cmd.Body)
		c.sendAck(msg.ID, true)

	case MsgTypeSchedule:
		// Schedule payloads travel as-is: either a compact SCH| line
		// wrapped in a command body or a raw JSON schedule object.
		c.enqueue(string(msg.Payload))
		c.sendAck(msg.ID, true)

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		log.Printf("Unknown broker message type: %s", msg.Type)
	}
}

func (c *Client) enqueue(body string) {
	if dropped := c.ingress.Push(queue.Message{Payload: body + ",SRC=" + auth.SourcePub}); dropped {
		log.Println("Ingress queue full, dropped oldest payload")
	}
}

// sendAck sends an acknowledgment for an inbound message
func (c *Client) sendAck(messageID string, success bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"message_id": messageID,
		"success":    success,
	})

	msg := &Message{
		Type:      MsgTypeAck,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping ack")
	}
}

// sendPong sends a pong response to a broker ping
func (c *Client) sendPong(pingID string) {
	payload, _ := json.Marshal(map[string]string{"ping_id": pingID})

	msg := &Message{
		Type:      MsgTypePong,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping pong")
	}
}
