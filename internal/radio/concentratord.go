// Concentratord transport: carries link frames over a ChirpStack
// Concentratord daemon reached through ZeroMQ sockets (SUB for events,
// REQ for commands).
package radio

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/agsys/irrigation-gateway/internal/radio/gw"
)

// ConcentratordConfig holds radio parameters and the daemon endpoints.
type ConcentratordConfig struct {
	EventURL        string // SUB socket for receiving events
	CommandURL      string // REQ socket for sending commands
	Frequency       uint32 // Hz
	SpreadingFactor uint32 // SF7-SF12
	Bandwidth       uint32 // Hz; must be 125/250/500 kHz
	CodingRate      string // "4/5", "4/6", "4/7", "4/8"
	TxPower         int32  // dBm
	RxBuffer        int    // received frames held for Poll
}

// DefaultConcentratordConfig returns default configuration.
func DefaultConcentratordConfig() ConcentratordConfig {
	return ConcentratordConfig{
		EventURL:        "ipc:///tmp/concentratord_event",
		CommandURL:      "ipc:///tmp/concentratord_command",
		Frequency:       915000000,
		SpreadingFactor: 10,
		Bandwidth:       125000,
		CodingRate:      "4/5",
		TxPower:         20,
		RxBuffer:        32,
	}
}

// ConcentratordTransport implements Transport over Concentratord.
type ConcentratordTransport struct {
	config     ConcentratordConfig
	eventSock  zmq4.Socket
	cmdSock    zmq4.Socket
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	gatewayID  string
	downlinkID uint32
	rxChan     chan []byte
}

// NewConcentratordTransport validates the radio parameters and creates
// the transport. Bandwidth zero (seen in broken field configs) is
// rejected here rather than at first transmit.
func NewConcentratordTransport(config ConcentratordConfig) (*ConcentratordTransport, error) {
	switch config.Bandwidth {
	case 125000, 250000, 500000:
	default:
		return nil, fmt.Errorf("invalid bandwidth %d Hz: legal values are 125/250/500 kHz", config.Bandwidth)
	}
	if config.SpreadingFactor < 7 || config.SpreadingFactor > 12 {
		return nil, fmt.Errorf("invalid spreading factor %d", config.SpreadingFactor)
	}
	if config.RxBuffer <= 0 {
		config.RxBuffer = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConcentratordTransport{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		rxChan: make(chan []byte, config.RxBuffer),
	}, nil
}

// Start connects to Concentratord and starts the event loop.
func (t *ConcentratordTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("transport already running")
	}
	t.running = true
	t.mu.Unlock()

	t.eventSock = zmq4.NewSub(t.ctx)
	if err := t.eventSock.Dial(t.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := t.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	t.cmdSock = zmq4.NewReq(t.ctx)
	if err := t.cmdSock.Dial(t.config.CommandURL); err != nil {
		t.eventSock.Close()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	if err := t.fetchGatewayID(); err != nil {
		log.Printf("Warning: failed to get gateway ID: %v", err)
	}

	t.wg.Add(1)
	go t.eventLoop()

	log.Printf("Concentratord transport started: event=%s, cmd=%s, gateway=%s",
		t.config.EventURL, t.config.CommandURL, t.gatewayID)

	return nil
}

// Stop stops the transport and closes connections.
func (t *ConcentratordTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	if t.eventSock != nil {
		t.eventSock.Close()
	}
	if t.cmdSock != nil {
		t.cmdSock.Close()
	}

	log.Println("Concentratord transport stopped")
	return nil
}

// Transmit sends one frame as an immediate downlink.
func (t *ConcentratordTransport) Transmit(frame []byte) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("transport not running")
	}
	t.downlinkID++
	dlID := t.downlinkID
	t.mu.Unlock()

	codeRate := gw.CodeRate_CR_4_5
	switch t.config.CodingRate {
	case "4/6":
		codeRate = gw.CodeRate_CR_4_6
	case "4/7":
		codeRate = gw.CodeRate_CR_4_7
	case "4/8":
		codeRate = gw.CodeRate_CR_4_8
	}

	downlink := &gw.DownlinkFrame{
		DownlinkId: dlID,
		GatewayId:  t.gatewayID,
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: frame,
				TxInfo: &gw.DownlinkTxInfo{
					Frequency: t.config.Frequency,
					Power:     t.config.TxPower,
					Modulation: &gw.Modulation{
						Lora: &gw.LoraModulationInfo{
							Bandwidth:             t.config.Bandwidth,
							SpreadingFactor:       t.config.SpreadingFactor,
							CodeRate:              codeRate,
							PolarizationInversion: true,
						},
					},
					Timing: &gw.Timing{
						Immediately: &gw.ImmediatelyTimingInfo{},
					},
				},
			},
		},
	}

	dlData, err := gw.MarshalDownlinkFrame(downlink)
	if err != nil {
		return fmt.Errorf("failed to marshal downlink: %w", err)
	}

	msg := zmq4.NewMsgFrom([]byte("down"), dlData)
	t.mu.Lock()
	err = t.cmdSock.Send(msg)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to send downlink: %w", err)
	}
	resp, err := t.cmdSock.Recv()
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to receive TX ack: %w", err)
	}

	if len(resp.Frames) > 0 {
		txAck, err := gw.UnmarshalDownlinkTxAck(resp.Frames[0])
		if err != nil {
			return fmt.Errorf("failed to unmarshal TX ack: %w", err)
		}
		if len(txAck.Items) > 0 && txAck.Items[0].Status != gw.TxAckStatus_OK {
			return fmt.Errorf("TX failed: %s", txAck.Items[0].Status.String())
		}
	}

	log.Printf("TX: %d bytes, freq=%d, SF=%d", len(frame), t.config.Frequency, t.config.SpreadingFactor)
	return nil
}

// Receive returns one pending received frame without blocking.
func (t *ConcentratordTransport) Receive() ([]byte, bool) {
	select {
	case frame := <-t.rxChan:
		return frame, true
	default:
		return nil, false
	}
}

// fetchGatewayID retrieves the gateway ID from Concentratord.
func (t *ConcentratordTransport) fetchGatewayID() error {
	msg := zmq4.NewMsgFrom([]byte("gateway_id"), []byte{})
	if err := t.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	resp, err := t.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive response: %w", err)
	}

	if len(resp.Frames) > 0 && len(resp.Frames[0]) >= 8 {
		gwResp, err := gw.UnmarshalGetGatewayIdResponse(resp.Frames[0])
		if err != nil {
			return err
		}
		t.gatewayID = gwResp.GatewayId
	}

	return nil
}

// eventLoop receives events from Concentratord and buffers uplink frames
// for the link's Poll.
func (t *ConcentratordTransport) eventLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		msg, err := t.eventSock.Recv()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			continue
		}

		eventType := string(msg.Frames[0])
		eventData := msg.Frames[1]

		event, err := gw.UnmarshalEvent(eventType, eventData)
		if err != nil {
			log.Printf("Failed to unmarshal event: %v", err)
			continue
		}

		if event.UplinkFrame != nil {
			t.handleUplink(event.UplinkFrame)
		} else if event.GatewayStats != nil {
			t.handleStats(event.GatewayStats)
		}
	}
}

// handleUplink buffers an uplink frame, dropping the oldest when the
// buffer is full. Oversize frames are rejected at the door.
func (t *ConcentratordTransport) handleUplink(uplink *gw.UplinkFrame) {
	if uplink == nil || len(uplink.PhyPayload) == 0 {
		return
	}
	if len(uplink.PhyPayload) > MaxFrameSize {
		log.Printf("Dropping oversize uplink (%d bytes)", len(uplink.PhyPayload))
		return
	}

	if uplink.RxInfo != nil {
		log.Printf("RX: %d bytes, RSSI=%d, SNR=%.1f",
			len(uplink.PhyPayload), uplink.RxInfo.Rssi, uplink.RxInfo.Snr)
	}

	select {
	case t.rxChan <- uplink.PhyPayload:
	default:
		select {
		case <-t.rxChan:
		default:
		}
		t.rxChan <- uplink.PhyPayload
	}
}

// handleStats logs gateway statistics.
func (t *ConcentratordTransport) handleStats(stats *gw.GatewayStats) {
	if stats == nil {
		return
	}
	log.Printf("Gateway stats: RX=%d, TX=%d", stats.RxPacketsReceivedOk, stats.TxPacketsEmitted)
}
