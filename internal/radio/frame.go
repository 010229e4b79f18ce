// Package radio implements the reliable unicast link to the valve nodes:
// the ASCII frame codec, the retry/acknowledgement protocol, and the
// Concentratord transport that carries the frames.
package radio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Link-layer limits. Frames that violate these are rejected before the
// radio is touched.
const (
	MaxFrameSize  = 256 // whole frame, bytes
	MaxTypeLen    = 31  // TYPE field, bytes
	MaxCmdTypeLen = 20  // command type accepted for transmit
	MaxSchedIDLen = 50  // schedule id accepted for transmit
)

// Command types used by the engine and the intake router. The wire TYPE
// field is the string itself; nodes answer PING with PONG.
const (
	CmdOpen  = "OPEN"
	CmdClose = "CLOSE"
	CmdStop  = "STOP"
	CmdPing  = "PING"
	CmdPong  = "PONG"
)

var (
	// ErrInvalidArg is returned for pre-transmit parameter violations.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInvalidFrame is returned for malformed received frames.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrAckTimeout is returned after all transmit attempts go
	// unacknowledged.
	ErrAckTimeout = errors.New("ack timeout")
)

// Command is the body of an outbound CMD frame. StepIdx is -1 for
// immediate commands issued outside a schedule.
type Command struct {
	MID        uint32
	Type       string
	Node       uint8
	SchedID    string
	StepIdx    int
	DurationMS uint32 // 0 = omit T=
}

// Encode renders the command as a wire frame:
//
//	CMD|MID=<u32>|<TYPE>|N=<node>,S=<id>,I=<idx>[,T=<ms>]
func (c *Command) Encode() ([]byte, error) {
	if c.Node < 1 {
		return nil, fmt.Errorf("%w: node %d out of range", ErrInvalidArg, c.Node)
	}
	if len(c.Type) == 0 || len(c.Type) > MaxCmdTypeLen {
		return nil, fmt.Errorf("%w: command type %q", ErrInvalidArg, c.Type)
	}
	if len(c.SchedID) > MaxSchedIDLen {
		return nil, fmt.Errorf("%w: schedule id too long (%d)", ErrInvalidArg, len(c.SchedID))
	}

	var b strings.Builder
	b.Grow(64)
	b.WriteString("CMD|MID=")
	b.WriteString(strconv.FormatUint(uint64(c.MID), 10))
	b.WriteByte('|')
	b.WriteString(c.Type)
	b.WriteString("|N=")
	b.WriteString(strconv.Itoa(int(c.Node)))
	b.WriteString(",S=")
	b.WriteString(c.SchedID)
	b.WriteString(",I=")
	b.WriteString(strconv.Itoa(c.StepIdx))
	if c.DurationMS > 0 {
		b.WriteString(",T=")
		b.WriteString(strconv.FormatUint(uint64(c.DurationMS), 10))
	}

	if b.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrInvalidArg, b.Len(), MaxFrameSize)
	}
	return []byte(b.String()), nil
}

// Ack is a parsed ACK frame:
//
//	ACK|MID=<u32>|<TYPE>|N=<n>,S=<id>,I=<i>|OK
type Ack struct {
	MID     uint32
	Type    string
	Node    uint8
	SchedID string
	StepIdx int
	OK      bool
}

// IsAck reports whether a raw frame is an acknowledgement.
func IsAck(frame []byte) bool {
	return len(frame) >= 4 && string(frame[:4]) == "ACK|"
}

// ParseAck parses an ACK frame. Parsing is strict field-by-field
// scanning; anything out of shape fails with ErrInvalidFrame.
func ParseAck(frame []byte) (*Ack, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrInvalidFrame, len(frame), MaxFrameSize)
	}

	parts := strings.Split(string(frame), "|")
	if len(parts) != 5 || parts[0] != "ACK" {
		return nil, fmt.Errorf("%w: malformed ack envelope", ErrInvalidFrame)
	}

	if !strings.HasPrefix(parts[1], "MID=") {
		return nil, fmt.Errorf("%w: missing MID", ErrInvalidFrame)
	}
	mid, err := strconv.ParseUint(parts[1][len("MID="):], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad MID: %v", ErrInvalidFrame, err)
	}

	typ := parts[2]
	if len(typ) == 0 || len(typ) > MaxTypeLen {
		return nil, fmt.Errorf("%w: bad TYPE length %d", ErrInvalidFrame, len(typ))
	}

	ack := &Ack{
		MID:  uint32(mid),
		Type: typ,
		OK:   parts[4] == "OK",
	}

	for _, kv := range strings.Split(parts[3], ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 1 {
			return nil, fmt.Errorf("%w: bad field %q", ErrInvalidFrame, kv)
		}
		key, val := kv[:eq], kv[eq+1:]
		switch key {
		case "N":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: bad N: %v", ErrInvalidFrame, err)
			}
			ack.Node = uint8(n)
		case "S":
			ack.SchedID = val
		case "I":
			i, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("%w: bad I: %v", ErrInvalidFrame, err)
			}
			ack.StepIdx = i
		}
	}

	return ack, nil
}

// Matches reports whether the ack acknowledges the given command. The
// correlation tuple is (MID, TYPE, N, S, I) with PONG accepted for a
// sent PING, and the status token must be OK.
func (a *Ack) Matches(c *Command) bool {
	if !a.OK {
		return false
	}
	if a.MID != c.MID || a.Node != c.Node || a.SchedID != c.SchedID || a.StepIdx != c.StepIdx {
		return false
	}
	if a.Type == c.Type {
		return true
	}
	return c.Type == CmdPing && a.Type == CmdPong
}

// TagWideRadio appends the wide-radio source tag to an inbound payload
// unless it already carries a SRC= field.
func TagWideRadio(payload string) string {
	if strings.HasPrefix(payload, "SRC=") || strings.Contains(payload, ",SRC=") {
		return payload
	}
	return payload + ",SRC=wide-radio"
}
