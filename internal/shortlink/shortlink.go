// Package shortlink handles payloads arriving over the short-range
// local link (the field technician's phone). Simple `<node> <CMD>`
// writes are relayed straight to the radio; everything else is tagged
// and queued for the router. The GATT transport itself is a
// collaborator: it calls HandleWrite with each inbound value and
// receives responses through the notifier.
package shortlink

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/queue"
)

// MaxNotifyLen bounds outbound notifications to what a small MTU peer
// can take in one value.
const MaxNotifyLen = 200

// CommandFunc relays an immediate node command over the radio link.
type CommandFunc func(ctx context.Context, node uint8, cmdType string) error

// Handler bridges the short-range link onto the ingress queue.
type Handler struct {
	mu      sync.Mutex
	ingress *queue.Queue
	command CommandFunc
	notify  func(msg string) error
}

// New creates a handler feeding the given ingress queue.
func New(ingress *queue.Queue) *Handler {
	return &Handler{ingress: ingress}
}

// SetCommandCallback sets the immediate-command relay.
func (h *Handler) SetCommandCallback(fn CommandFunc) {
	h.mu.Lock()
	h.command = fn
	h.mu.Unlock()
}

// SetNotifier sets the function responses are written back with.
func (h *Handler) SetNotifier(fn func(msg string) error) {
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}

// HandleWrite processes one inbound value from the peer and notifies
// the outcome.
func (h *Handler) HandleWrite(ctx context.Context, payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	log.Printf("Short-link RX: %s", payload)

	if node, cmdType, ok := splitSimpleCommand(payload); ok {
		h.Notify(h.relay(ctx, node, cmdType))
		return
	}

	// Schedule or gateway command: tag the source and let the router
	// authenticate and dispatch it.
	if !strings.Contains(payload, "SRC=") {
		payload += ",SRC=" + auth.SourceShortLink
	}
	if dropped := h.ingress.Push(queue.Message{Payload: payload}); dropped {
		log.Println("Ingress queue full, dropped oldest payload")
	}
	h.Notify("QUEUED|Message queued for processing")
}

func (h *Handler) relay(ctx context.Context, node uint8, cmdType string) string {
	h.mu.Lock()
	command := h.command
	h.mu.Unlock()

	if command == nil {
		return "ERROR|No command handler"
	}
	if err := command(ctx, node, cmdType); err != nil {
		log.Printf("Short-link command %s to node %d failed: %v", cmdType, node, err)
		return "ERROR|Command failed for node " + strconv.Itoa(int(node))
	}
	return "OK|Command sent to node " + strconv.Itoa(int(node))
}

// Notify writes a response back to the peer, truncated to MaxNotifyLen.
func (h *Handler) Notify(msg string) {
	h.mu.Lock()
	notify := h.notify
	h.mu.Unlock()

	if notify == nil {
		return
	}
	if len(msg) > MaxNotifyLen {
		msg = msg[:MaxNotifyLen]
	}
	if err := notify(msg); err != nil {
		log.Printf("Short-link notify failed: %v", err)
	}
}

// splitSimpleCommand matches `<node> <CMD>` writes: a node number and a
// command word with nothing schedule-shaped about them.
func splitSimpleCommand(payload string) (uint8, string, bool) {
	if strings.HasPrefix(payload, "SCH|") || strings.HasPrefix(payload, "{") {
		return 0, "", false
	}
	space := strings.IndexByte(payload, ' ')
	if space <= 0 {
		return 0, "", false
	}
	node, err := strconv.ParseUint(payload[:space], 10, 8)
	if err != nil || node < 1 {
		return 0, "", false
	}
	cmdType := strings.ToUpper(strings.TrimSpace(payload[space+1:]))
	if cmdType == "" || strings.ContainsAny(cmdType, " ,|=") {
		return 0, "", false
	}
	return uint8(node), cmdType, true
}
