package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/iothread"
)

// Vsock packet operations.
const (
	VIRTIO_VSOCK_OP_INVALID        = 0
	VIRTIO_VSOCK_OP_REQUEST        = 1
	VIRTIO_VSOCK_OP_RESPONSE       = 2
	VIRTIO_VSOCK_OP_RST            = 3
	VIRTIO_VSOCK_OP_SHUTDOWN       = 4
	VIRTIO_VSOCK_OP_RW             = 5
	VIRTIO_VSOCK_OP_CREDIT_UPDATE  = 6
	VIRTIO_VSOCK_OP_CREDIT_REQUEST = 7
)

const (
	VIRTIO_VSOCK_TYPE_STREAM = 1

	VIRTIO_VSOCK_SHUTDOWN_F_RECEIVE = 1 << 0
	VIRTIO_VSOCK_SHUTDOWN_F_SEND    = 1 << 1
)

// Well-known context IDs.
const (
	VsockCIDHost = 2
)

const (
	vsockRxQueue    = 0
	vsockTxQueue    = 1
	vsockEventQueue = 2
	vsockQueueSize  = 256

	vsockHdrSize  = 44
	vsockBufAlloc = 256 * 1024
	vsockReadMax  = 16 * 1024
)

// vsockHdr is the packet header carried at the front of every chain on the
// receive and transmit queues.
type vsockHdr struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}

func (h *vsockHdr) marshal(p []byte) {
	binary.LittleEndian.PutUint64(p[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(p[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(p[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(p[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(p[24:28], h.Len)
	binary.LittleEndian.PutUint16(p[28:30], h.Type)
	binary.LittleEndian.PutUint16(p[30:32], h.Op)
	binary.LittleEndian.PutUint32(p[32:36], h.Flags)
	binary.LittleEndian.PutUint32(p[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(p[40:44], h.FwdCnt)
}

func (h *vsockHdr) unmarshal(p []byte) {
	h.SrcCID = binary.LittleEndian.Uint64(p[0:8])
	h.DstCID = binary.LittleEndian.Uint64(p[8:16])
	h.SrcPort = binary.LittleEndian.Uint32(p[16:20])
	h.DstPort = binary.LittleEndian.Uint32(p[20:24])
	h.Len = binary.LittleEndian.Uint32(p[24:28])
	h.Type = binary.LittleEndian.Uint16(p[28:30])
	h.Op = binary.LittleEndian.Uint16(p[30:32])
	h.Flags = binary.LittleEndian.Uint32(p[32:36])
	h.BufAlloc = binary.LittleEndian.Uint32(p[36:40])
	h.FwdCnt = binary.LittleEndian.Uint32(p[40:44])
}

// VsockConnector resolves guest connection requests to a host byte stream.
type VsockConnector interface {
	// Connect opens a stream for a guest connection to (cid, port).
	Connect(cid uint64, port uint32) (io.ReadWriteCloser, error)
}

// vsockConnKey demuxes packets onto connections.
type vsockConnKey struct {
	peerCID  uint64
	peerPort uint32 // guest-side port
	port     uint32 // host-side port
}

// vsockConn is one established stream. Guest payload awaiting the host write
// sits in out; fwdCnt only advances once the stream write lands, so the
// guest's in-flight bytes stay bounded by the advertised buffer allocation.
type vsockConn struct {
	key    vsockConnKey
	stream io.ReadWriteCloser

	mu            sync.Mutex
	peerBufAlloc  uint32
	peerFwdCnt    uint32
	txCnt         uint32 // bytes sent toward the guest
	fwdCnt        uint32 // guest bytes consumed by the host side
	pendingCredit uint32 // consumed bytes not yet announced to the guest
	out           [][]byte
	outc          chan struct{}
	credit        chan struct{}
	closed        bool
}

// peerCredit returns how many more bytes the guest will accept.
func (c *vsockConn) peerCredit() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBufAlloc - (c.txCnt - c.peerFwdCnt)
}

func (c *vsockConn) updatePeerCredit(h *vsockHdr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerBufAlloc = h.BufAlloc
	c.peerFwdCnt = h.FwdCnt
	if !c.closed {
		select {
		case c.credit <- struct{}{}:
		default:
		}
	}
}

// VsockDeviceConfig configures the vsock backend.
type VsockDeviceConfig struct {
	// GuestCID is the guest's context ID. Must be 3 or greater.
	GuestCID uint64

	// Connector resolves guest-initiated connections. Nil refuses all.
	Connector VsockConnector

	Loop *iothread.Loop
	Log  *slog.Logger
}

// Vsock is a three-queue stream socket device. Guest transmit packets are
// demuxed by (peer CID, guest port, host port) onto connections; each
// connection applies credit flow control in both directions. Each connection
// runs a reader goroutine that respects the guest's advertised credit and
// posts receive work to the dispatch context, and a writer goroutine that
// flushes guest payload into the host stream; the dispatch context itself
// never touches a socket.
type Vsock struct {
	BackendBase

	name      string
	guestCID  uint64
	connector VsockConnector
	loop      *iothread.Loop
	log       *slog.Logger

	mu       sync.Mutex
	conns    map[vsockConnKey]*vsockConn
	rxQueue  []vsockPacket
	shutdown bool

	// deliverMu serializes receive-ring access when no dispatch context is
	// wired and postRx runs on the calling goroutine.
	deliverMu sync.Mutex
}

type vsockPacket struct {
	hdr     vsockHdr
	payload []byte
}

// NewVsock creates a vsock backend.
func NewVsock(name string, cfg VsockDeviceConfig) (*Vsock, error) {
	if cfg.GuestCID < 3 {
		return nil, fmt.Errorf("virtio-vsock %s: guest CID %d is reserved", name, cfg.GuestCID)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Vsock{
		name:      name,
		guestCID:  cfg.GuestCID,
		connector: cfg.Connector,
		loop:      cfg.Loop,
		log:       log,
		conns:     make(map[vsockConnKey]*vsockConn),
	}, nil
}

func (v *Vsock) DeviceID() uint16        { return DeviceIDVsock }
func (v *Vsock) DeviceFeatures() uint64  { return 0 }
func (v *Vsock) NumQueues() int          { return 3 }
func (v *Vsock) QueueMaxSize(int) uint16 { return vsockQueueSize }

// GuestCID returns the guest's context ID.
func (v *Vsock) GuestCID() uint64 { return v.guestCID }

// ReadConfig exposes the guest CID as a 64-bit little-endian value at
// offset 0.
func (v *Vsock) ReadConfig(offset uint16) uint32 {
	switch offset {
	case 0:
		return uint32(v.guestCID)
	case 4:
		return uint32(v.guestCID >> 32)
	}
	return 0
}

func (v *Vsock) WriteConfig(uint16, uint32) {}

// Notify processes one queue kick.
func (v *Vsock) Notify(queue int) error {
	switch queue {
	case vsockRxQueue:
		return v.deliverRx()
	case vsockTxQueue:
		return v.drainTx()
	}
	return nil
}

// drainTx parses guest packets and dispatches them per operation.
func (v *Vsock) drainTx() error {
	q := v.Queue(vsockTxQueue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			if flushErr := v.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		if err := v.handlePacket(chain); err != nil {
			v.log.Warn("vsock packet dropped", "device", v.name, "err", err)
		}
		done = append(done, Completion{Head: chain.Head})
	}
	if err := v.CompleteBatch(q, done); err != nil {
		return err
	}
	return v.deliverRx()
}

func (v *Vsock) handlePacket(chain *Chain) error {
	if chain.ReadableBytes() < vsockHdrSize {
		return fmt.Errorf("short packet: %d bytes", chain.ReadableBytes())
	}
	var raw [vsockHdrSize]byte
	if err := chain.CopyRead(0, raw[:]); err != nil {
		return err
	}
	var hdr vsockHdr
	hdr.unmarshal(raw[:])

	if hdr.Type != VIRTIO_VSOCK_TYPE_STREAM {
		v.replyRst(&hdr)
		return nil
	}

	key := vsockConnKey{peerCID: hdr.DstCID, peerPort: hdr.SrcPort, port: hdr.DstPort}
	v.mu.Lock()
	conn := v.conns[key]
	v.mu.Unlock()

	switch hdr.Op {
	case VIRTIO_VSOCK_OP_REQUEST:
		return v.handleRequest(key, &hdr)

	case VIRTIO_VSOCK_OP_RW:
		if conn == nil {
			v.replyRst(&hdr)
			return nil
		}
		n := int(hdr.Len)
		if n > chain.ReadableBytes()-vsockHdrSize {
			n = chain.ReadableBytes() - vsockHdrSize
		}
		if n > 0 {
			payload := make([]byte, n)
			if err := chain.CopyRead(vsockHdrSize, payload); err != nil {
				return err
			}
			// The stream write happens on the connection's writer
			// goroutine; queueing here keeps the dispatch context off the
			// host socket.
			conn.mu.Lock()
			if !conn.closed {
				conn.out = append(conn.out, payload)
			}
			conn.mu.Unlock()
			select {
			case conn.outc <- struct{}{}:
			default:
			}
		}
		conn.updatePeerCredit(&hdr)
		return nil

	case VIRTIO_VSOCK_OP_CREDIT_UPDATE:
		if conn != nil {
			conn.updatePeerCredit(&hdr)
		}
		return nil

	case VIRTIO_VSOCK_OP_CREDIT_REQUEST:
		if conn == nil {
			v.replyRst(&hdr)
			return nil
		}
		conn.updatePeerCredit(&hdr)
		v.enqueueRx(conn, VIRTIO_VSOCK_OP_CREDIT_UPDATE, 0, nil)
		return nil

	case VIRTIO_VSOCK_OP_SHUTDOWN:
		if conn == nil {
			return nil
		}
		conn.updatePeerCredit(&hdr)
		if hdr.Flags&(VIRTIO_VSOCK_SHUTDOWN_F_RECEIVE|VIRTIO_VSOCK_SHUTDOWN_F_SEND) ==
			VIRTIO_VSOCK_SHUTDOWN_F_RECEIVE|VIRTIO_VSOCK_SHUTDOWN_F_SEND {
			v.teardown(conn, true)
		}
		return nil

	case VIRTIO_VSOCK_OP_RST:
		if conn != nil {
			v.teardown(conn, false)
		}
		return nil
	}
	return fmt.Errorf("unknown op %d", hdr.Op)
}

// handleRequest establishes a guest-initiated connection.
func (v *Vsock) handleRequest(key vsockConnKey, hdr *vsockHdr) error {
	if v.connector == nil {
		v.replyRst(hdr)
		return nil
	}
	stream, err := v.connector.Connect(hdr.DstCID, hdr.DstPort)
	if err != nil {
		v.log.Info("vsock connect refused", "device", v.name,
			"cid", hdr.DstCID, "port", hdr.DstPort, "err", err)
		v.replyRst(hdr)
		return nil
	}

	conn := &vsockConn{
		key:    key,
		stream: stream,
		outc:   make(chan struct{}, 1),
		credit: make(chan struct{}, 1),
	}
	conn.updatePeerCredit(hdr)

	v.mu.Lock()
	if v.shutdown {
		v.mu.Unlock()
		stream.Close()
		return nil
	}
	if old := v.conns[key]; old != nil {
		v.mu.Unlock()
		stream.Close()
		v.replyRst(hdr)
		return nil
	}
	v.conns[key] = conn
	v.mu.Unlock()

	v.enqueueRx(conn, VIRTIO_VSOCK_OP_RESPONSE, 0, nil)
	go v.pumpHostData(conn)
	go v.writeGuestData(conn)
	return nil
}

// writeGuestData flushes queued guest payload into the host stream off the
// dispatch context. Consumed bytes advance fwdCnt, with a credit update sent
// to the guest once a quarter of the advertised allocation has drained.
func (v *Vsock) writeGuestData(conn *vsockConn) {
	for {
		conn.mu.Lock()
		for len(conn.out) == 0 && !conn.closed {
			conn.mu.Unlock()
			<-conn.outc
			conn.mu.Lock()
		}
		if conn.closed {
			conn.mu.Unlock()
			return
		}
		data := conn.out[0]
		conn.out = conn.out[1:]
		conn.mu.Unlock()

		if _, err := conn.stream.Write(data); err != nil {
			v.teardown(conn, true)
			return
		}

		conn.mu.Lock()
		conn.fwdCnt += uint32(len(data))
		conn.pendingCredit += uint32(len(data))
		announce := conn.pendingCredit >= vsockBufAlloc/4
		if announce {
			conn.pendingCredit = 0
		}
		conn.mu.Unlock()
		if announce {
			v.enqueueRx(conn, VIRTIO_VSOCK_OP_CREDIT_UPDATE, 0, nil)
		}
	}
}

// pumpHostData moves bytes from the host stream into the guest receive
// queue, never exceeding the guest's advertised credit.
func (v *Vsock) pumpHostData(conn *vsockConn) {
	buf := make([]byte, vsockReadMax)
	for {
		credit := conn.peerCredit()
		for credit == 0 {
			if _, ok := <-conn.credit; !ok {
				return
			}
			credit = conn.peerCredit()
		}

		limit := len(buf)
		if uint32(limit) > credit {
			limit = int(credit)
		}
		n, err := conn.stream.Read(buf[:limit])
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			conn.mu.Lock()
			conn.txCnt += uint32(n)
			closed := conn.closed
			conn.mu.Unlock()
			if closed {
				return
			}
			v.enqueueRx(conn, VIRTIO_VSOCK_OP_RW, 0, payload)
		}
		if err != nil {
			conn.mu.Lock()
			closed := conn.closed
			conn.mu.Unlock()
			if !closed {
				v.enqueueRx(conn, VIRTIO_VSOCK_OP_SHUTDOWN,
					VIRTIO_VSOCK_SHUTDOWN_F_RECEIVE|VIRTIO_VSOCK_SHUTDOWN_F_SEND, nil)
				v.teardown(conn, false)
			}
			return
		}
	}
}

// enqueueRx queues one device-to-guest packet and schedules delivery.
func (v *Vsock) enqueueRx(conn *vsockConn, op uint16, flags uint32, payload []byte) {
	conn.mu.Lock()
	hdr := vsockHdr{
		SrcCID:   conn.key.peerCID,
		DstCID:   v.guestCID,
		SrcPort:  conn.key.port,
		DstPort:  conn.key.peerPort,
		Len:      uint32(len(payload)),
		Type:     VIRTIO_VSOCK_TYPE_STREAM,
		Op:       op,
		Flags:    flags,
		BufAlloc: vsockBufAlloc,
		FwdCnt:   conn.fwdCnt,
	}
	conn.mu.Unlock()
	v.postRx(vsockPacket{hdr: hdr, payload: payload})
}

// replyRst queues a reset for a packet that had no connection.
func (v *Vsock) replyRst(req *vsockHdr) {
	v.postRx(vsockPacket{hdr: vsockHdr{
		SrcCID:   req.DstCID,
		DstCID:   req.SrcCID,
		SrcPort:  req.DstPort,
		DstPort:  req.SrcPort,
		Type:     VIRTIO_VSOCK_TYPE_STREAM,
		Op:       VIRTIO_VSOCK_OP_RST,
		BufAlloc: vsockBufAlloc,
	}})
}

func (v *Vsock) postRx(pkt vsockPacket) {
	v.mu.Lock()
	if v.shutdown {
		v.mu.Unlock()
		return
	}
	v.rxQueue = append(v.rxQueue, pkt)
	v.mu.Unlock()

	if v.loop == nil {
		if err := v.deliverRx(); err != nil {
			v.log.Error("vsock receive failed", "device", v.name, "err", err)
		}
		return
	}
	if err := v.loop.Post(v.name, func() {
		if err := v.deliverRx(); err != nil {
			v.log.Error("vsock receive failed", "device", v.name, "err", err)
		}
	}); err != nil {
		v.log.Error("vsock receive deferred past quiesce", "device", v.name, "err", err)
	}
}

// deliverRx writes queued packets into guest receive buffers. Runs on the
// dispatch context.
func (v *Vsock) deliverRx() error {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	q := v.Queue(vsockRxQueue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		v.mu.Lock()
		if len(v.rxQueue) == 0 {
			v.mu.Unlock()
			break
		}
		pkt := v.rxQueue[0]
		v.mu.Unlock()

		chain, err := q.Pop()
		if err != nil {
			if flushErr := v.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		v.mu.Lock()
		v.rxQueue = v.rxQueue[1:]
		v.mu.Unlock()

		total := vsockHdrSize + len(pkt.payload)
		if chain.WritableBytes() < total {
			v.log.Warn("vsock receive buffer too small", "device", v.name,
				"need", total, "have", chain.WritableBytes())
			done = append(done, Completion{Head: chain.Head})
			continue
		}

		var raw [vsockHdrSize]byte
		pkt.hdr.marshal(raw[:])
		if err := chain.CopyWrite(0, raw[:]); err != nil {
			done = append(done, Completion{Head: chain.Head})
			continue
		}
		if len(pkt.payload) > 0 {
			if err := chain.CopyWrite(vsockHdrSize, pkt.payload); err != nil {
				done = append(done, Completion{Head: chain.Head})
				continue
			}
		}
		done = append(done, Completion{Head: chain.Head, Written: uint32(total)})
	}
	return v.CompleteBatch(q, done)
}

// teardown closes one connection and optionally tells the guest.
func (v *Vsock) teardown(conn *vsockConn, notifyGuest bool) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.out = nil
	close(conn.credit)
	conn.mu.Unlock()
	select {
	case conn.outc <- struct{}{}:
	default:
	}

	v.mu.Lock()
	delete(v.conns, conn.key)
	v.mu.Unlock()

	conn.stream.Close()
	if notifyGuest {
		v.enqueueRx(conn, VIRTIO_VSOCK_OP_RST, 0, nil)
	}
}

// Reset drops all connections and deactivates. Idempotent.
func (v *Vsock) Reset() error {
	v.closeAll()
	v.mu.Lock()
	v.rxQueue = nil
	v.mu.Unlock()
	v.Deactivate()
	return nil
}

// Shutdown drops all connections and refuses new ones. Idempotent.
func (v *Vsock) Shutdown() error {
	v.mu.Lock()
	if v.shutdown {
		v.mu.Unlock()
		return nil
	}
	v.shutdown = true
	v.mu.Unlock()
	v.closeAll()
	v.Deactivate()
	return nil
}

func (v *Vsock) closeAll() {
	v.mu.Lock()
	conns := make([]*vsockConn, 0, len(v.conns))
	for _, c := range v.conns {
		conns = append(conns, c)
	}
	v.mu.Unlock()
	for _, c := range conns {
		v.teardown(c, false)
	}
}
