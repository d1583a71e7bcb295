package ipc

import (
	"errors"
	"testing"

	"github.com/tinyrange/microkernel/internal/ids"
)

func TestCreateChannelRejectsSelf(t *testing.T) {
	r := NewChannelRegistry()
	if _, err := r.CreateChannel(1, 1); !errors.Is(err, ErrCircularTransfer) {
		t.Fatalf("CreateChannel(self) = %v, want ErrCircularTransfer", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	r := NewChannelRegistry()
	ch, err := r.CreateChannel(2, 3)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if _, err := r.Send(2, ch, 7, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok, err := r.Receive(3, ch)
	if err != nil || !ok {
		t.Fatalf("Receive = (%v, %v, %v), want a message", msg, ok, err)
	}
	if msg.SenderPid != 2 || msg.MsgType != 7 || string(msg.Data) != "ping" {
		t.Fatalf("Receive = %+v, want sender=2 type=7 data=ping", msg)
	}

	if _, err := r.Send(3, ch, 8, []byte("pong")); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	msg, ok, err = r.Receive(2, ch)
	if err != nil || !ok {
		t.Fatalf("Receive reply = (%v, %v, %v)", msg, ok, err)
	}
	if msg.SenderPid != 3 || msg.MsgType != 8 || string(msg.Data) != "pong" {
		t.Fatalf("Receive reply = %+v, want sender=3 type=8 data=pong", msg)
	}
}

func TestReceiveEmptyQueueReturnsNoError(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	_, ok, err := r.Receive(3, ch)
	if err != nil {
		t.Fatalf("Receive on empty queue err = %v, want nil", err)
	}
	if ok {
		t.Fatalf("Receive on empty queue ok = true, want false")
	}
}

func TestSendFromNonEndpointIsInvalidSender(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	if _, err := r.Send(99, ch, 1, nil); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("Send from non-endpoint = %v, want ErrInvalidSender", err)
	}
}

func TestSendBeyondMaxQueueSizeIsChannelFull(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	for i := 0; i < MaxQueueSize; i++ {
		if _, err := r.Send(2, ch, 1, nil); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if _, err := r.Send(2, ch, 1, nil); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("Send past limit = %v, want ErrChannelFull", err)
	}
}

func TestSendTruncatesPayload(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	big := make([]byte, MaxMessageData+64)
	for i := range big {
		big[i] = byte(i)
	}
	if _, err := r.Send(2, ch, 1, big); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok, _ := r.Receive(3, ch)
	if !ok || len(msg.Data) != MaxMessageData {
		t.Fatalf("Receive len = %d, want %d", len(msg.Data), MaxMessageData)
	}
}

func TestMarkWaitingReturnedBySend(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	if err := r.MarkWaiting(3, ch); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	woken, err := r.Send(2, ch, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(woken) != 1 || woken[0] != ids.Pid(3) {
		t.Fatalf("woken = %v, want [3]", woken)
	}
}

func TestRemoveChannelsForPid(t *testing.T) {
	r := NewChannelRegistry()
	ch, _ := r.CreateChannel(2, 3)
	removed := r.RemoveChannelsForPid(2)
	if len(removed) != 1 || removed[0] != ch {
		t.Fatalf("RemoveChannelsForPid = %v, want [%d]", removed, ch)
	}
	if _, err := r.Send(2, ch, 1, nil); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Send after removal = %v, want ErrChannelNotFound", err)
	}
}
