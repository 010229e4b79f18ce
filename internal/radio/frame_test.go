package radio

import (
	"errors"
	"strings"
	"testing"
)

func TestCommandEncode(t *testing.T) {
	cmd := &Command{MID: 42, Type: CmdOpen, Node: 1, SchedID: "A", StepIdx: 0, DurationMS: 60000}
	frame, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := "CMD|MID=42|OPEN|N=1,S=A,I=0,T=60000"
	if string(frame) != want {
		t.Errorf("Encode = %q, want %q", frame, want)
	}
}

func TestCommandEncodeImmediate(t *testing.T) {
	cmd := &Command{MID: 7, Type: CmdPing, Node: 2, StepIdx: -1}
	frame, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := "CMD|MID=7|PING|N=2,S=,I=-1"
	if string(frame) != want {
		t.Errorf("Encode = %q, want %q", frame, want)
	}
}

func TestCommandEncodeValidation(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"node zero", Command{MID: 1, Type: CmdOpen, Node: 0}},
		{"empty type", Command{MID: 1, Type: "", Node: 1}},
		{"type too long", Command{MID: 1, Type: strings.Repeat("X", MaxCmdTypeLen+1), Node: 1}},
		{"sched id too long", Command{MID: 1, Type: CmdOpen, Node: 1, SchedID: strings.Repeat("s", MaxSchedIDLen+1)}},
	}

	for _, tt := range tests {
		if _, err := tt.cmd.Encode(); !errors.Is(err, ErrInvalidArg) {
			t.Errorf("%s: err = %v, want ErrInvalidArg", tt.name, err)
		}
	}
}

func TestParseAck(t *testing.T) {
	ack, err := ParseAck([]byte("ACK|MID=42|OPEN|N=1,S=A,I=0|OK"))
	if err != nil {
		t.Fatalf("ParseAck failed: %v", err)
	}
	if ack.MID != 42 || ack.Type != "OPEN" || ack.Node != 1 || ack.SchedID != "A" || ack.StepIdx != 0 || !ack.OK {
		t.Errorf("ParseAck = %+v", ack)
	}
}

func TestParseAckRejectsMalformed(t *testing.T) {
	frames := []string{
		"ACK|OPEN|N=1,S=A,I=0|OK",                                   // missing MID
		"ACK|MID=x|OPEN|N=1,S=A,I=0|OK",                             // bad MID
		"ACK|MID=1|" + strings.Repeat("T", MaxTypeLen+1) + "|N=1,S=,I=0|OK",
		"CMD|MID=1|OPEN|N=1,S=A,I=0",                                // not an ack
		"ACK|MID=1|OPEN|N=1,S=A,I=0|OK|extra",                       // extra segment
		"ACK|MID=1|OPEN|N=1,garbage,I=0|OK",                         // field without '='
		"ACK|MID=1|OPEN|N=999,S=A,I=0|OK",                           // node out of range
	}

	for _, f := range frames {
		if _, err := ParseAck([]byte(f)); err == nil {
			t.Errorf("ParseAck(%q) should fail", f)
		}
	}
}

func TestAckMatchesStrict(t *testing.T) {
	cmd := &Command{MID: 10, Type: CmdOpen, Node: 5, SchedID: "A", StepIdx: 2}
	base := Ack{MID: 10, Type: CmdOpen, Node: 5, SchedID: "A", StepIdx: 2, OK: true}

	if !base.Matches(cmd) {
		t.Fatal("matching ack should match")
	}

	variants := []Ack{
		func(a Ack) Ack { a.MID = 11; return a }(base),
		func(a Ack) Ack { a.Type = CmdClose; return a }(base),
		func(a Ack) Ack { a.Node = 6; return a }(base),
		func(a Ack) Ack { a.SchedID = "B"; return a }(base),
		func(a Ack) Ack { a.StepIdx = 3; return a }(base),
		func(a Ack) Ack { a.OK = false; return a }(base),
	}
	for i, a := range variants {
		if a.Matches(cmd) {
			t.Errorf("variant %d should not match: %+v", i, a)
		}
	}
}

func TestAckPongMatchesPing(t *testing.T) {
	cmd := &Command{MID: 3, Type: CmdPing, Node: 2, StepIdx: -1}

	pong := &Ack{MID: 3, Type: CmdPong, Node: 2, StepIdx: -1, OK: true}
	if !pong.Matches(cmd) {
		t.Error("PONG should acknowledge PING")
	}

	ping := &Ack{MID: 3, Type: CmdPing, Node: 2, StepIdx: -1, OK: true}
	if !ping.Matches(cmd) {
		t.Error("PING echo should acknowledge PING")
	}

	// PONG only substitutes for PING, not for other types.
	open := &Command{MID: 3, Type: CmdOpen, Node: 2, StepIdx: -1}
	if pong.Matches(open) {
		t.Error("PONG should not acknowledge OPEN")
	}
}

func TestTagWideRadio(t *testing.T) {
	if got := TagWideRadio("STAT|N=3,V=1"); got != "STAT|N=3,V=1,SRC=wide-radio" {
		t.Errorf("untagged payload: got %q", got)
	}
	already := "AUTO_CLOSE|N=3,SRC=wide-radio"
	if got := TagWideRadio(already); got != already {
		t.Errorf("tagged payload should pass through: got %q", got)
	}
}
