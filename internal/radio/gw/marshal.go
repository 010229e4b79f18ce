// Marshaling for the Concentratord ZMQ frames. Uses the compact binary
// layout the daemon's command/event sockets carry.
package gw

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MarshalDownlinkFrame serializes a downlink frame.
//
// Layout:
//
//	4 bytes: downlink_id
//	4 bytes: frequency
//	4 bytes: power (signed)
//	4 bytes: bandwidth
//	4 bytes: spreading_factor
//	1 byte:  coding_rate
//	1 byte:  timing (0=immediate)
//	2 bytes: payload length
//	N bytes: payload
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, fmt.Errorf("no downlink items")
	}

	item := dl.Items[0]
	payload := item.PhyPayload
	txInfo := item.TxInfo

	buf := make([]byte, 24+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], dl.DownlinkId)
	binary.LittleEndian.PutUint32(buf[4:8], txInfo.Frequency)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(txInfo.Power))

	if txInfo.Modulation != nil && txInfo.Modulation.Lora != nil {
		binary.LittleEndian.PutUint32(buf[12:16], txInfo.Modulation.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[16:20], txInfo.Modulation.Lora.SpreadingFactor)
		buf[20] = byte(txInfo.Modulation.Lora.CodeRate)
	}

	buf[21] = 0 // immediate timing
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(payload)))
	copy(buf[24:], payload)

	return buf, nil
}

// UnmarshalEvent deserializes an event from Concentratord.
func UnmarshalEvent(eventType string, data []byte) (*Event, error) {
	event := &Event{}

	switch eventType {
	case "up":
		uplink, err := UnmarshalUplinkFrame(data)
		if err != nil {
			return nil, err
		}
		event.UplinkFrame = uplink

	case "stats":
		stats, err := UnmarshalGatewayStats(data)
		if err != nil {
			return nil, err
		}
		event.GatewayStats = stats

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	return event, nil
}

// UnmarshalUplinkFrame deserializes an uplink frame.
//
// Layout:
//
//	4 bytes: rssi (signed)
//	4 bytes: snr (float32 bits)
//	2 bytes: payload length
//	N bytes: payload
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("uplink data too short: %d bytes", len(data))
	}

	plen := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) < 10+plen {
		return nil, fmt.Errorf("uplink payload truncated: have %d, need %d", len(data)-10, plen)
	}

	return &UplinkFrame{
		PhyPayload: data[10 : 10+plen],
		RxInfo: &UplinkRxInfo{
			Rssi: int32(binary.LittleEndian.Uint32(data[0:4])),
			Snr:  math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])),
		},
	}, nil
}

// UnmarshalGatewayStats deserializes gateway statistics.
//
// Layout: four little-endian uint32 counters.
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	if len(data) < 16 {
		return &GatewayStats{}, nil
	}
	return &GatewayStats{
		RxPacketsReceived:   binary.LittleEndian.Uint32(data[0:4]),
		RxPacketsReceivedOk: binary.LittleEndian.Uint32(data[4:8]),
		TxPacketsReceived:   binary.LittleEndian.Uint32(data[8:12]),
		TxPacketsEmitted:    binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// UnmarshalDownlinkTxAck deserializes a TX acknowledgment.
//
// Layout: 4 bytes downlink_id, 4 bytes status.
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("tx ack data too short: %d bytes", len(data))
	}

	return &DownlinkTxAck{
		DownlinkId: binary.LittleEndian.Uint32(data[0:4]),
		Items: []*DownlinkTxAckItem{
			{Status: TxAckStatus(binary.LittleEndian.Uint32(data[4:8]))},
		},
	}, nil
}

// UnmarshalGetGatewayIdResponse deserializes a gateway ID response.
func UnmarshalGetGatewayIdResponse(data []byte) (*GetGatewayIdResponse, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("gateway id response too short: %d bytes", len(data))
	}

	gatewayId := fmt.Sprintf("%016x", binary.BigEndian.Uint64(data[0:8]))
	return &GetGatewayIdResponse{GatewayId: gatewayId}, nil
}
