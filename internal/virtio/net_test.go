package virtio

import (
	"bytes"
	"testing"
)

type netHarness struct {
	t      *testing.T
	mem    *mockMemory
	rx     *guestRing
	tx     *guestRing
	dev    *Net
	frames [][]byte
}

func newNetHarness(t *testing.T) *netHarness {
	t.Helper()
	h := &netHarness{t: t}
	h.dev = NewNet("net0", NetConfig{
		MAC: [6]byte{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc},
		Sink: FrameSinkFunc(func(p []byte) error {
			frame := make([]byte, len(p))
			copy(frame, p)
			h.frames = append(h.frames, frame)
			return nil
		}),
	})
	t.Cleanup(func() { h.dev.Shutdown() })

	h.mem = newMockMemory(0x40000)
	h.rx = newGuestRing(t, h.mem, 8, ringBase)
	h.tx = newGuestRing(t, h.mem, 8, ringBase+0x4000)
	rxQ := NewQueue(netRxQueue, h.mem, netQueueSize)
	txQ := NewQueue(netTxQueue, h.mem, netQueueSize)
	h.rx.attach(rxQ)
	h.tx.attach(txQ)
	if err := h.dev.Activate(FeatureVersion1, []*Queue{rxQ, txQ}, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return h
}

func TestNetTransmitStripsHeader(t *testing.T) {
	h := newNetHarness(t)

	frame := []byte("ethernet frame bytes")
	pkt := make([]byte, netHdrSize+len(frame))
	copy(pkt[netHdrSize:], frame)
	if _, err := h.mem.WriteAt(pkt, dataBase); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	h.tx.writeDesc(0, dataBase, uint32(len(pkt)), 0, 0)
	h.tx.pushAvail(0)
	if err := h.dev.Notify(netTxQueue); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(h.frames) != 1 {
		t.Fatalf("sink received %d frames, want 1", len(h.frames))
	}
	if !bytes.Equal(h.frames[0], frame) {
		t.Errorf("sink frame = %q, want %q", h.frames[0], frame)
	}
	if idx := h.tx.usedIdx(); idx != 1 {
		t.Errorf("tx used idx = %d, want 1", idx)
	}
}

func TestNetInjectPrependsHeader(t *testing.T) {
	h := newNetHarness(t)

	h.rx.writeDesc(0, dataBase, 2048, descFWrite, 0)
	h.rx.pushAvail(0)

	frame := []byte("inbound frame")
	if err := h.dev.InjectFrame(frame); err != nil {
		t.Fatalf("InjectFrame: %v", err)
	}

	if idx := h.rx.usedIdx(); idx != 1 {
		t.Fatalf("rx used idx = %d, want 1", idx)
	}
	_, written := h.rx.usedElem(0)
	if int(written) != netHdrSize+len(frame) {
		t.Fatalf("written = %d, want %d", written, netHdrSize+len(frame))
	}

	got := make([]byte, written)
	if _, err := h.mem.ReadAt(got, dataBase); err != nil {
		t.Fatalf("read delivered frame: %v", err)
	}
	// num_buffers = 1 in the header; payload follows.
	if got[10] != 1 {
		t.Errorf("num_buffers = %d, want 1", got[10])
	}
	if !bytes.Equal(got[netHdrSize:], frame) {
		t.Errorf("payload = %q, want %q", got[netHdrSize:], frame)
	}
}

func TestNetHoldsFramesWithoutBuffers(t *testing.T) {
	h := newNetHarness(t)

	if err := h.dev.InjectFrame([]byte("early")); err != nil {
		t.Fatalf("InjectFrame: %v", err)
	}
	if idx := h.rx.usedIdx(); idx != 0 {
		t.Fatalf("rx used idx = %d, want 0 with no buffers", idx)
	}

	h.rx.writeDesc(0, dataBase, 2048, descFWrite, 0)
	h.rx.pushAvail(0)
	if err := h.dev.Notify(netRxQueue); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if idx := h.rx.usedIdx(); idx != 1 {
		t.Fatalf("rx used idx = %d, want 1 after kick", idx)
	}
}

func TestNetDropsWhenSaturated(t *testing.T) {
	h := newNetHarness(t)

	for i := 0; i < netPendingMax+10; i++ {
		if err := h.dev.InjectFrame([]byte{byte(i)}); err != nil {
			t.Fatalf("InjectFrame: %v", err)
		}
	}
	if got := h.dev.Dropped(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}

// newMQNetHarness builds a two-pair device: queues rx0, tx0, rx1, tx1 and
// the control queue at index 4.
func newMQNetHarness(t *testing.T) (*Net, *mockMemory, []*guestRing) {
	t.Helper()
	dev := NewNet("net-mq", NetConfig{
		MAC:        [6]byte{0x52, 0x54, 0x00, 0x01, 0x02, 0x03},
		Sink:       FrameSinkFunc(func([]byte) error { return nil }),
		QueuePairs: 2,
	})
	t.Cleanup(func() { dev.Shutdown() })

	mem := newMockMemory(0x80000)
	rings := make([]*guestRing, dev.NumQueues())
	queues := make([]*Queue, dev.NumQueues())
	for i := range rings {
		rings[i] = newGuestRing(t, mem, 8, ringBase+uint64(i)*0x4000)
		queues[i] = NewQueue(i, mem, netQueueSize)
		rings[i].attach(queues[i])
	}
	if err := dev.Activate(FeatureVersion1, queues, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return dev, mem, rings
}

func TestNetMultiqueueStartsWithOnePair(t *testing.T) {
	dev, _, rings := newMQNetHarness(t)

	if got := dev.NumQueues(); got != 5 {
		t.Fatalf("NumQueues = %d, want 5", got)
	}
	if f := dev.DeviceFeatures(); f&VIRTIO_NET_F_MQ == 0 || f&VIRTIO_NET_F_CTRL_VQ == 0 {
		t.Fatalf("features = %#x, missing MQ/CTRL_VQ", f)
	}
	if got := dev.ReadConfig(8); got != 2 {
		t.Fatalf("max pairs config = %d, want 2", got)
	}

	// Only the second pair has buffers posted; until the driver enables it,
	// the frame stays held.
	rings[2].writeDesc(0, 0x40000, 2048, descFWrite, 0)
	rings[2].pushAvail(0)
	if err := dev.InjectFrame([]byte("held")); err != nil {
		t.Fatalf("InjectFrame: %v", err)
	}
	if idx := rings[2].usedIdx(); idx != 0 {
		t.Fatalf("rx1 used idx = %d, want 0 before the pair is enabled", idx)
	}
}

func TestNetControlEnablesQueuePairs(t *testing.T) {
	dev, mem, rings := newMQNetHarness(t)

	// class MQ, command VQ_PAIRS_SET, le16 pair count, then a writable ack.
	cmd := []byte{VIRTIO_NET_CTRL_MQ, VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET, 2, 0}
	if _, err := mem.WriteAt(cmd, 0x40000); err != nil {
		t.Fatalf("write command: %v", err)
	}
	ctrl := rings[4]
	ctrl.writeDesc(0, 0x40000, uint32(len(cmd)), descFNext, 1)
	ctrl.writeDesc(1, 0x40100, 1, descFWrite, 0)
	ctrl.pushAvail(0)
	if err := dev.Notify(4); err != nil {
		t.Fatalf("Notify(ctrl): %v", err)
	}
	ack := make([]byte, 1)
	if _, err := mem.ReadAt(ack, 0x40100); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack[0] != VIRTIO_NET_OK {
		t.Fatalf("ack = %d, want VIRTIO_NET_OK", ack[0])
	}

	// With both pairs enabled, injected frames spread over both receive
	// queues round-robin.
	rings[0].writeDesc(0, 0x41000, 2048, descFWrite, 0)
	rings[0].pushAvail(0)
	rings[2].writeDesc(0, 0x42000, 2048, descFWrite, 0)
	rings[2].pushAvail(0)
	if err := dev.InjectFrame([]byte("first")); err != nil {
		t.Fatalf("InjectFrame: %v", err)
	}
	if err := dev.InjectFrame([]byte("second")); err != nil {
		t.Fatalf("InjectFrame: %v", err)
	}
	if idx := rings[0].usedIdx(); idx != 1 {
		t.Errorf("rx0 used idx = %d, want 1", idx)
	}
	if idx := rings[2].usedIdx(); idx != 1 {
		t.Errorf("rx1 used idx = %d, want 1", idx)
	}
}

func TestNetControlRejectsBadPairCount(t *testing.T) {
	dev, mem, rings := newMQNetHarness(t)

	cmd := []byte{VIRTIO_NET_CTRL_MQ, VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET, 9, 0}
	if _, err := mem.WriteAt(cmd, 0x40000); err != nil {
		t.Fatalf("write command: %v", err)
	}
	ctrl := rings[4]
	ctrl.writeDesc(0, 0x40000, uint32(len(cmd)), descFNext, 1)
	ctrl.writeDesc(1, 0x40100, 1, descFWrite, 0)
	ctrl.pushAvail(0)
	if err := dev.Notify(4); err != nil {
		t.Fatalf("Notify(ctrl): %v", err)
	}
	ack := make([]byte, 1)
	if _, err := mem.ReadAt(ack, 0x40100); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack[0] != VIRTIO_NET_ERR {
		t.Fatalf("ack = %d, want VIRTIO_NET_ERR", ack[0])
	}
}

func TestNetConfigMAC(t *testing.T) {
	h := newNetHarness(t)

	w0 := h.dev.ReadConfig(0)
	w1 := h.dev.ReadConfig(4)
	mac := []byte{
		byte(w0), byte(w0 >> 8), byte(w0 >> 16), byte(w0 >> 24),
		byte(w1), byte(w1 >> 8),
	}
	if !bytes.Equal(mac, []byte{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}) {
		t.Errorf("mac = %x", mac)
	}
	if status := uint16(w1 >> 16); status&VIRTIO_NET_S_LINK_UP == 0 {
		t.Error("link status not up")
	}
}
