package virtio

import (
	"io"
	"net"
	"testing"
	"time"
)

const (
	testGuestCID  = 3
	testHostPort  = 1234
	testGuestPort = 5555
)

type vsockHarness struct {
	t    *testing.T
	mem  *mockMemory
	rx   *guestRing
	tx   *guestRing
	vs   *Vsock
	host net.Conn

	rxRead uint16
}

func newVsockHarness(t *testing.T) *vsockHarness {
	t.Helper()

	guestSide, hostSide := net.Pipe()
	ports := NewVsockPortMap()
	ports.Register(testHostPort, func() (io.ReadWriteCloser, error) {
		return guestSide, nil
	})

	vs, err := NewVsock("vsock0", VsockDeviceConfig{GuestCID: testGuestCID, Connector: ports})
	if err != nil {
		t.Fatalf("NewVsock: %v", err)
	}
	t.Cleanup(func() { vs.Shutdown() })

	mem := newMockMemory(0x80000)
	rx := newGuestRing(t, mem, 16, ringBase)
	tx := newGuestRing(t, mem, 16, ringBase+0x8000)
	rxQ := NewQueue(vsockRxQueue, mem, vsockQueueSize)
	txQ := NewQueue(vsockTxQueue, mem, vsockQueueSize)
	evQ := NewQueue(vsockEventQueue, mem, vsockQueueSize)
	rx.attach(rxQ)
	tx.attach(txQ)
	_ = evQ
	if err := vs.Activate(FeatureVersion1, []*Queue{rxQ, txQ, evQ}, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Post plenty of receive buffers up front.
	for i := uint16(0); i < 16; i++ {
		rx.writeDesc(i, dataBase+uint64(i)*0x1000, 0x1000, descFWrite, 0)
		rx.pushAvail(i)
	}

	return &vsockHarness{t: t, mem: mem, rx: rx, tx: tx, vs: vs, host: hostSide}
}

// sendPacket publishes one guest packet on the transmit queue and kicks.
func (h *vsockHarness) sendPacket(hdr vsockHdr, payload []byte) {
	h.t.Helper()
	base := uint64(0x60000)
	var raw [vsockHdrSize]byte
	hdr.Len = uint32(len(payload))
	hdr.marshal(raw[:])
	if _, err := h.mem.WriteAt(raw[:], int64(base)); err != nil {
		h.t.Fatalf("write header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := h.mem.WriteAt(payload, int64(base+vsockHdrSize)); err != nil {
			h.t.Fatalf("write payload: %v", err)
		}
	}
	h.tx.writeDesc(0, base, uint32(vsockHdrSize+len(payload)), 0, 0)
	h.tx.pushAvail(0)
	if err := h.vs.Notify(vsockTxQueue); err != nil {
		h.t.Fatalf("Notify: %v", err)
	}
}

func (h *vsockHarness) guestHdr(op uint16, bufAlloc, fwdCnt uint32) vsockHdr {
	return vsockHdr{
		SrcCID:   testGuestCID,
		DstCID:   VsockCIDHost,
		SrcPort:  testGuestPort,
		DstPort:  testHostPort,
		Type:     VIRTIO_VSOCK_TYPE_STREAM,
		Op:       op,
		BufAlloc: bufAlloc,
		FwdCnt:   fwdCnt,
	}
}

// nextRxPacket waits for the next device-to-guest packet and parses it.
func (h *vsockHarness) nextRxPacket(timeout time.Duration) (vsockHdr, []byte) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for h.rx.usedIdx() == h.rxRead {
		if time.Now().After(deadline) {
			h.t.Fatalf("no packet after %v (used idx %d)", timeout, h.rxRead)
		}
		time.Sleep(time.Millisecond)
	}

	slot := h.rxRead % h.rx.size
	id, written := h.rx.usedElem(slot)
	h.rxRead++
	if written < vsockHdrSize {
		h.t.Fatalf("packet truncated: %d bytes", written)
	}

	addr := dataBase + uint64(id)*0x1000
	raw := make([]byte, written)
	if _, err := h.mem.ReadAt(raw, int64(addr)); err != nil {
		h.t.Fatalf("read packet: %v", err)
	}
	var hdr vsockHdr
	hdr.unmarshal(raw[:vsockHdrSize])
	return hdr, raw[vsockHdrSize:]
}

func TestVsockConnectAndCredit(t *testing.T) {
	h := newVsockHarness(t)

	// Guest connects, advertising only 8 bytes of receive credit.
	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_REQUEST, 8, 0), nil)
	hdr, _ := h.nextRxPacket(2 * time.Second)
	if hdr.Op != VIRTIO_VSOCK_OP_RESPONSE {
		t.Fatalf("op = %d, want RESPONSE", hdr.Op)
	}
	if hdr.SrcPort != testHostPort || hdr.DstPort != testGuestPort {
		t.Fatalf("response ports = %d -> %d", hdr.SrcPort, hdr.DstPort)
	}

	// Host pushes 20 bytes; only the 8 credited bytes may arrive.
	go h.host.Write([]byte("abcdefghijklmnopqrst"))

	hdr, payload := h.nextRxPacket(2 * time.Second)
	if hdr.Op != VIRTIO_VSOCK_OP_RW {
		t.Fatalf("op = %d, want RW", hdr.Op)
	}
	if string(payload) != "abcdefgh" {
		t.Fatalf("payload = %q, want first 8 bytes", payload)
	}

	// No more data until the guest returns credit.
	time.Sleep(50 * time.Millisecond)
	if h.rx.usedIdx() != h.rxRead {
		t.Fatal("device sent past the guest's credit")
	}

	// Guest consumes and returns credit; the rest flows.
	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_CREDIT_UPDATE, 64, 8), nil)
	var got []byte
	for len(got) < 12 {
		hdr, payload = h.nextRxPacket(2 * time.Second)
		if hdr.Op != VIRTIO_VSOCK_OP_RW {
			t.Fatalf("op = %d, want RW", hdr.Op)
		}
		got = append(got, payload...)
	}
	if string(got) != "ijklmnopqrst" {
		t.Fatalf("remainder = %q", got)
	}
}

func TestVsockGuestToHostData(t *testing.T) {
	h := newVsockHarness(t)

	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_REQUEST, 4096, 0), nil)
	if hdr, _ := h.nextRxPacket(2 * time.Second); hdr.Op != VIRTIO_VSOCK_OP_RESPONSE {
		t.Fatalf("op = %d, want RESPONSE", hdr.Op)
	}

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := h.host.Read(buf)
		read <- buf[:n]
	}()

	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_RW, 4096, 0), []byte("ping"))
	select {
	case got := <-read:
		if string(got) != "ping" {
			t.Fatalf("host received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host never received guest data")
	}
}

func TestVsockRefusedPortGetsRst(t *testing.T) {
	h := newVsockHarness(t)

	hdr := h.guestHdr(VIRTIO_VSOCK_OP_REQUEST, 4096, 0)
	hdr.DstPort = 9999
	h.sendPacket(hdr, nil)

	reply, _ := h.nextRxPacket(2 * time.Second)
	if reply.Op != VIRTIO_VSOCK_OP_RST {
		t.Fatalf("op = %d, want RST", reply.Op)
	}
	if reply.SrcPort != 9999 || reply.DstPort != testGuestPort {
		t.Errorf("rst ports = %d -> %d", reply.SrcPort, reply.DstPort)
	}
}

func TestVsockRWWithoutConnectionGetsRst(t *testing.T) {
	h := newVsockHarness(t)

	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_RW, 4096, 0), []byte("stray"))
	reply, _ := h.nextRxPacket(2 * time.Second)
	if reply.Op != VIRTIO_VSOCK_OP_RST {
		t.Fatalf("op = %d, want RST", reply.Op)
	}
}

func TestVsockHostCloseShutsDownGuest(t *testing.T) {
	h := newVsockHarness(t)

	h.sendPacket(h.guestHdr(VIRTIO_VSOCK_OP_REQUEST, 4096, 0), nil)
	if hdr, _ := h.nextRxPacket(2 * time.Second); hdr.Op != VIRTIO_VSOCK_OP_RESPONSE {
		t.Fatalf("op = %d, want RESPONSE", hdr.Op)
	}

	h.host.Close()
	hdr, _ := h.nextRxPacket(2 * time.Second)
	if hdr.Op != VIRTIO_VSOCK_OP_SHUTDOWN {
		t.Fatalf("op = %d, want SHUTDOWN", hdr.Op)
	}
}
