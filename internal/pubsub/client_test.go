package pubsub

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agsys/irrigation-gateway/internal/queue"
)

func newTestClient() (*Client, *queue.Queue) {
	q := queue.New(queue.DefaultCapacity)
	return New(DefaultConfig(), q), q
}

func inbound(t *testing.T, msgType MessageType, id string, payload interface{}) *Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &Message{Type: msgType, ID: id, Payload: data}
}

func drainSend(c *Client) []*Message {
	var out []*Message
	for {
		select {
		case msg := <-c.sendChan:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestInboundCommandEnqueuedWithSourceTag(t *testing.T) {
	c, q := newTestClient()
	c.handleMessage(inbound(t, MsgTypeCommand, "m1", CommandPayload{Body: "1 OPEN,TOK=MYTOK"}))

	msg, ok := q.Pop()
	if !ok {
		t.Fatal("command not enqueued")
	}
	if msg.Payload != "1 OPEN,TOK=MYTOK,SRC=pub" {
		t.Errorf("payload = %q", msg.Payload)
	}

	acks := drainSend(c)
	if len(acks) != 1 || acks[0].Type != MsgTypeAck {
		t.Fatalf("acks = %v", acks)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(acks[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["message_id"] != "m1" || body["success"] != true {
		t.Errorf("ack body = %v", body)
	}
}

func TestMalformedCommandNackedAndDropped(t *testing.T) {
	c, q := newTestClient()
	c.handleMessage(&Message{Type: MsgTypeCommand, ID: "m2", Payload: json.RawMessage(`{"body":""}`)})

	if _, ok := q.Pop(); ok {
		t.Fatal("empty body should not be enqueued")
	}
	acks := drainSend(c)
	if len(acks) != 1 {
		t.Fatalf("acks = %v", acks)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(acks[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != false {
		t.Errorf("ack body = %v", body)
	}
}

func TestInboundSchedulePassedThrough(t *testing.T) {
	c, q := newTestClient()
	raw := `{"schedule_id":"A","recurrence":"daily","start_time":"06:30","sequence":[{"node_id":1,"duration_ms":60000}],"ts":5}`
	c.handleMessage(&Message{Type: MsgTypeSchedule, ID: "m3", Payload: json.RawMessage(raw)})

	msg, ok := q.Pop()
	if !ok {
		t.Fatal("schedule not enqueued")
	}
	if msg.Payload != raw+",SRC=pub" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	c, _ := newTestClient()
	c.handleMessage(&Message{Type: MsgTypePing, ID: "p1", Payload: json.RawMessage(`{}`)})

	out := drainSend(c)
	if len(out) != 1 || out[0].Type != MsgTypePong {
		t.Fatalf("out = %v", out)
	}
	if !strings.Contains(string(out[0].Payload), "p1") {
		t.Errorf("pong payload = %s", out[0].Payload)
	}
}

func TestPublishAssignsIDAndType(t *testing.T) {
	c, _ := newTestClient()
	if err := c.PublishStatus("SCH|DONE|S=A"); err != nil {
		t.Fatal(err)
	}

	out := drainSend(c)
	if len(out) != 1 || out[0].Type != MsgTypeStatus {
		t.Fatalf("out = %v", out)
	}
	if out[0].ID == "" || out[0].Timestamp == "" {
		t.Errorf("message missing id/timestamp: %+v", out[0])
	}
	if !strings.Contains(string(out[0].Payload), "SCH|DONE|S=A") {
		t.Errorf("payload = %s", out[0].Payload)
	}
}

func TestPublishFailsWhenSendQueueFull(t *testing.T) {
	c, _ := newTestClient()
	for i := 0; i < cap(c.sendChan); i++ {
		if err := c.PublishStatus("fill"); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	if err := c.PublishStatus("overflow"); err == nil {
		t.Fatal("expected error on full send queue")
	}
}
