package ipc

import (
	"sync"

	"github.com/tinyrange/microkernel/internal/ids"
)

// MaxQueueSize bounds each direction of a Channel's message queue
// (spec.md §3).
const MaxQueueSize = 1000

// MaxMessageData is the payload truncation limit (spec.md §3).
const MaxMessageData = 256

// Message is the fixed-layout record spec.md §3 describes.
type Message struct {
	SenderPid ids.Pid
	MsgType   uint32
	Data      []byte
}

// Channel is a pair of bounded FIFO queues between two named processes.
type Channel struct {
	ID ids.ChannelID
	// Endpoints[0]/Endpoints[1] are the two principals named at
	// create_channel time. Direction is significant only for picking a
	// queue, not for any notion of "caller vs target" after creation.
	Endpoints [2]ids.Pid

	queueAtoB []Message
	queueBtoA []Message
}

func (c *Channel) senderQueue(sender ids.Pid) (*[]Message, bool) {
	switch sender {
	case c.Endpoints[0]:
		return &c.queueAtoB, true
	case c.Endpoints[1]:
		return &c.queueBtoA, true
	default:
		return nil, false
	}
}

func (c *Channel) receiverQueue(receiver ids.Pid) (*[]Message, bool) {
	switch receiver {
	case c.Endpoints[0]:
		return &c.queueBtoA, true
	case c.Endpoints[1]:
		return &c.queueAtoB, true
	default:
		return nil, false
	}
}

// ChannelRegistry owns every live Channel for the kernel's lifetime.
// Callers outside this package hold only an ids.ChannelID.
type ChannelRegistry struct {
	mu       sync.Mutex
	channels map[ids.ChannelID]*Channel
	nextID   ids.ChannelID

	// waiting records pids that called MarkWaiting for a channel's
	// receiver queue, so Send can report who to wake without this
	// package depending on a separate wait-queue type (SPEC_FULL.md
	// §4.6 expansion; see DESIGN.md for why no external queue package
	// is used).
	waiting map[ids.ChannelID]map[*[]Message][]ids.Pid
}

// NewChannelRegistry returns an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[ids.ChannelID]*Channel),
		waiting:  make(map[ids.ChannelID]map[*[]Message][]ids.Pid),
	}
}

// CreateChannel allocates a fresh channel between caller and target.
// target == caller is rejected (spec.md §8: create_channel(self) →
// CircularTransfer).
func (r *ChannelRegistry) CreateChannel(caller, target ids.Pid) (ids.ChannelID, error) {
	if target == caller {
		return 0, ErrCircularTransfer
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.channels[id] = &Channel{ID: id, Endpoints: [2]ids.Pid{caller, target}}
	return id, nil
}

// Send appends a message to the queue running from sender toward the
// other endpoint. The payload is truncated to MaxMessageData bytes. It
// returns the pids (if any) that had called MarkWaiting on the queue
// just written to, so the caller can make them Ready again.
func (r *ChannelRegistry) Send(sender ids.Pid, channelID ids.ChannelID, msgType uint32, data []byte) ([]ids.Pid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channels[channelID]
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	q, ok := ch.senderQueue(sender)
	if !ok {
		return nil, ErrInvalidSender
	}
	if len(*q) >= MaxQueueSize {
		return nil, ErrChannelFull
	}
	if len(data) > MaxMessageData {
		data = data[:MaxMessageData]
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	*q = append(*q, Message{SenderPid: sender, MsgType: msgType, Data: payload})

	woken := r.waiting[channelID][q]
	if len(woken) > 0 {
		delete(r.waiting[channelID], q)
	}
	return woken, nil
}

// Receive is non-blocking: it returns the oldest message queued toward
// caller, or ok=false if the queue is empty (spec.md §4.6, §8: empty
// queue → -2 at the syscall boundary, never -1).
func (r *ChannelRegistry) Receive(caller ids.Pid, channelID ids.ChannelID) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channels[channelID]
	if ch == nil {
		return Message{}, false, ErrChannelNotFound
	}
	q, ok := ch.receiverQueue(caller)
	if !ok {
		return Message{}, false, ErrInvalidSender
	}
	if len(*q) == 0 {
		return Message{}, false, nil
	}
	msg := (*q)[0]
	*q = (*q)[1:]
	return msg, true, nil
}

// MarkWaiting records that caller wants to be woken the next time a
// message arrives on its receive direction of channelID — the
// bookkeeping internal/process needs to implement WaitReason::IpcReceive
// without this package tracking full PCBs.
func (r *ChannelRegistry) MarkWaiting(caller ids.Pid, channelID ids.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channels[channelID]
	if ch == nil {
		return ErrChannelNotFound
	}
	q, ok := ch.receiverQueue(caller)
	if !ok {
		return ErrInvalidSender
	}
	if r.waiting[channelID] == nil {
		r.waiting[channelID] = make(map[*[]Message][]ids.Pid)
	}
	r.waiting[channelID][q] = append(r.waiting[channelID][q], caller)
	return nil
}

// RemoveChannelsForPid deletes every channel in which pid is an
// endpoint, returning their ids (spec.md §3: "removed when either
// endpoint exits").
func (r *ChannelRegistry) RemoveChannelsForPid(pid ids.Pid) []ids.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []ids.ChannelID
	for id, ch := range r.channels {
		if ch.Endpoints[0] == pid || ch.Endpoints[1] == pid {
			removed = append(removed, id)
			delete(r.channels, id)
			delete(r.waiting, id)
		}
	}
	return removed
}
