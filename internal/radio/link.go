package radio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/irrigation-gateway/internal/clock"
)

// Transport is the physical radio path. Transmit sends one frame;
// Receive is non-blocking and reports whether a frame was available.
type Transport interface {
	Transmit(frame []byte) error
	Receive() ([]byte, bool)
}

// MIDSource hands out the persistent, monotonically increasing message
// id used to correlate commands with acknowledgements.
type MIDSource interface {
	NextMessageID() (uint32, error)
}

// LinkConfig holds retry and timing parameters for the reliable link.
type LinkConfig struct {
	MaxRetries   int
	AckTimeout   time.Duration
	RetryBackoff time.Duration
	PollInterval time.Duration
}

// DefaultLinkConfig returns the standard link timing.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		MaxRetries:   3,
		AckTimeout:   5 * time.Second,
		RetryBackoff: 300 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

// Link provides at-least-once typed unicast over the half-duplex radio.
// It owns the outbound send path; received frames that are not the
// awaited ACK are handed to the ingress function so retries never starve
// unsolicited node traffic.
type Link struct {
	config    LinkConfig
	transport Transport
	clock     clock.Clock
	mids      MIDSource
	mu        sync.Mutex
	ingress   func(payload string)
	lastMID   uint32
}

// NewLink creates a link over the given transport.
func NewLink(config LinkConfig, transport Transport, clk clock.Clock, mids MIDSource) *Link {
	return &Link{
		config:    config,
		transport: transport,
		clock:     clk,
		mids:      mids,
	}
}

// SetIngress sets the function unsolicited inbound payloads are handed to.
func (l *Link) SetIngress(fn func(payload string)) {
	l.mu.Lock()
	l.ingress = fn
	l.mu.Unlock()
}

// SendWithAck transmits a typed command to a node and waits for the
// matching acknowledgement, retrying with fixed backoff. stepIdx is -1
// for immediate commands. Parameter violations fail with ErrInvalidArg
// before the radio is touched; exhausted retries fail with ErrAckTimeout.
func (l *Link) SendWithAck(ctx context.Context, cmdType string, node uint8, schedID string, stepIdx int, durationMS uint32) error {
	mid, err := l.mids.NextMessageID()
	if err != nil {
		return fmt.Errorf("next message id: %w", err)
	}

	cmd := &Command{
		MID:        mid,
		Type:       cmdType,
		Node:       node,
		SchedID:    schedID,
		StepIdx:    stepIdx,
		DurationMS: durationMS,
	}

	frame, err := cmd.Encode()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.lastMID = mid
	l.mu.Unlock()

	for attempt := 1; attempt <= l.config.MaxRetries; attempt++ {
		if err := l.transport.Transmit(frame); err != nil {
			log.Printf("TX attempt %d/%d failed: %v", attempt, l.config.MaxRetries, err)
		} else if l.awaitAck(ctx, cmd) {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < l.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.config.RetryBackoff):
			}
		}
	}

	return fmt.Errorf("%w: %s to node %d, MID=%d after %d attempts",
		ErrAckTimeout, cmdType, node, mid, l.config.MaxRetries)
}

// awaitAck polls the transport until the matching ACK arrives or the
// attempt window closes. Non-ACK frames seen while waiting are tagged
// and enqueued.
func (l *Link) awaitAck(ctx context.Context, cmd *Command) bool {
	start := l.clock.MonotonicMS()
	window := uint32(l.config.AckTimeout.Milliseconds())

	for clock.ElapsedMS(l.clock.MonotonicMS(), start) < window {
		if ctx.Err() != nil {
			return false
		}

		frame, ok := l.transport.Receive()
		if !ok {
			time.Sleep(l.config.PollInterval)
			continue
		}

		if !IsAck(frame) {
			if len(frame) > MaxFrameSize {
				log.Printf("Dropping oversize frame (%d bytes)", len(frame))
				continue
			}
			l.enqueue(TagWideRadio(string(frame)))
			continue
		}

		ack, err := ParseAck(frame)
		if err != nil {
			log.Printf("Dropping malformed ack: %v", err)
			continue
		}
		if ack.Matches(cmd) {
			return true
		}
		// Mis-addressed ACKs never count as success.
	}
	return false
}

// Poll drains pending received frames while the link is idle. ACKs seen
// here are stale and dropped; everything else is tagged with the radio
// source and enqueued for the router.
func (l *Link) Poll() {
	for {
		frame, ok := l.transport.Receive()
		if !ok {
			return
		}
		if IsAck(frame) {
			continue
		}
		if len(frame) > MaxFrameSize {
			log.Printf("Dropping oversize frame (%d bytes)", len(frame))
			continue
		}
		l.enqueue(TagWideRadio(string(frame)))
	}
}

// LastMID returns the message id of the most recent transmit, for
// status reporting.
func (l *Link) LastMID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMID
}

func (l *Link) enqueue(payload string) {
	l.mu.Lock()
	fn := l.ingress
	l.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}
