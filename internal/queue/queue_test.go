package queue

import (
	"fmt"
	"testing"
)

func TestPushPopOrder(t *testing.T) {
	q := New(4)

	for i := 0; i < 3; i++ {
		q.Push(Message{Payload: fmt.Sprintf("m%d", i)})
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	for i := 0; i < 3; i++ {
		msg, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Payload != want {
			t.Errorf("Pop %d = %q, want %q", i, msg.Payload, want)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should report false")
	}
}

func TestOverwriteOldest(t *testing.T) {
	q := New(DefaultCapacity)

	for i := 0; i <= DefaultCapacity; i++ {
		dropped := q.Push(Message{Payload: fmt.Sprintf("m%d", i)})
		if i < DefaultCapacity && dropped {
			t.Errorf("Push %d dropped before capacity reached", i)
		}
		if i == DefaultCapacity && !dropped {
			t.Error("Push past capacity should drop the oldest")
		}
	}

	if q.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d", q.Len(), DefaultCapacity)
	}

	// m0 was dropped; m1 is now oldest, m10 newest.
	first, _ := q.Pop()
	if first.Payload != "m1" {
		t.Errorf("oldest = %q, want m1", first.Payload)
	}

	var last Message
	for {
		msg, ok := q.Pop()
		if !ok {
			break
		}
		last = msg
	}
	if last.Payload != fmt.Sprintf("m%d", DefaultCapacity) {
		t.Errorf("newest = %q, want m%d", last.Payload, DefaultCapacity)
	}
}

func TestSenderPreserved(t *testing.T) {
	q := New(2)
	q.Push(Message{Payload: "STOP,SRC=sms", Sender: "+10000000001"})

	msg, ok := q.Pop()
	if !ok {
		t.Fatal("queue empty")
	}
	if msg.Sender != "+10000000001" {
		t.Errorf("Sender = %q, want +10000000001", msg.Sender)
	}
}
