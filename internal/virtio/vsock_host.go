package virtio

import (
	"fmt"
	"io"
	"sync"

	"github.com/mdlayher/vsock"
)

// HostVsockConnector forwards guest connections to the host's AF_VSOCK
// namespace. A guest connect to (cid, port) becomes a host-side dial of the
// same address, so CID 2 reaches services on the host itself.
type HostVsockConnector struct{}

func (HostVsockConnector) Connect(cid uint64, port uint32) (io.ReadWriteCloser, error) {
	if cid > 0xffffffff {
		return nil, fmt.Errorf("context ID %d out of range", cid)
	}
	conn, err := vsock.Dial(uint32(cid), port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock %d:%d: %w", cid, port, err)
	}
	return conn, nil
}

// VsockPortMap is an in-process connector. Ports are registered with handler
// functions that return the host side of the stream; unregistered ports are
// refused. Suitable for guest-exec control channels and tests.
type VsockPortMap struct {
	mu       sync.Mutex
	handlers map[uint32]func() (io.ReadWriteCloser, error)
}

// NewVsockPortMap creates an empty port map.
func NewVsockPortMap() *VsockPortMap {
	return &VsockPortMap{handlers: make(map[uint32]func() (io.ReadWriteCloser, error))}
}

// Register installs a handler for one port, replacing any previous one.
func (m *VsockPortMap) Register(port uint32, open func() (io.ReadWriteCloser, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[port] = open
}

// Unregister removes a port's handler.
func (m *VsockPortMap) Unregister(port uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, port)
}

func (m *VsockPortMap) Connect(cid uint64, port uint32) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	open := m.handlers[port]
	m.mu.Unlock()
	if open == nil {
		return nil, fmt.Errorf("no listener on port %d", port)
	}
	return open()
}
