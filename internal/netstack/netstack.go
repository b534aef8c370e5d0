// Package netstack is the user-mode host network behind the paravirtual net
// device. A gvisor tcpip stack terminates the guest's ethernet frames in
// process: the stack plays the gateway, host services listen through gonet,
// and a DNS server answers on the gateway address.
package netstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vireo-vmm/vireo/internal/pcap"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID tcpip.NICID = 1

	linkMTU = 1500

	frameBacklog = 4096

	dnsPort = 53
)

// Config configures the host network stack.
type Config struct {
	// Gateway is the stack's own IPv4 address and the guest's default
	// route. Defaults to 10.0.2.2.
	Gateway net.IP

	// PrefixLen is the subnet prefix length. Defaults to 24.
	PrefixLen int

	// GatewayMAC is the link address the stack answers ARP with. Defaults
	// to 02:00:00:00:00:01.
	GatewayMAC net.HardwareAddr

	// Hosts seeds the DNS table, mapping names to IPv4 address strings.
	Hosts map[string]string

	// LookupFallback resolves names missing from the hosts table. When nil
	// unknown names get NXDOMAIN.
	LookupFallback func(name string) (string, error)

	// Capture, when set, receives every frame in both directions as a
	// classic pcap stream.
	Capture io.Writer

	Log *slog.Logger
}

// Stack is the host side of one guest network interface. Guest transmit
// frames enter through WriteFrame, so a Stack plugs directly into the net
// device as its frame sink; frames the stack emits are handed to the deliver
// callback (the net device's receive path) by a pump goroutine.
type Stack struct {
	log     *slog.Logger
	gateway net.IP

	gs *stack.Stack
	ch *channel.Endpoint

	cancel context.CancelFunc

	mu      sync.Mutex
	deliver func(frame []byte) error
	hosts   map[string]string
	fallbck func(name string) (string, error)
	dns     *dnsServer
	closed  bool

	capMu   sync.Mutex
	capture *pcap.Capture
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("netstack: %v is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New builds the stack and starts the outbound frame pump.
func New(cfg Config) (*Stack, error) {
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = net.IPv4(10, 0, 2, 2)
	}
	prefixLen := cfg.PrefixLen
	if prefixLen == 0 {
		prefixLen = 24
	}
	mac := cfg.GatewayMAC
	if mac == nil {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}

	addr, err := addrFrom4(gateway)
	if err != nil {
		return nil, err
	}

	// The channel carries whole ethernet frames; the ethernet endpoint
	// subtracts its header to arrive at the 1500-byte L3 MTU.
	ch := channel.New(frameBacklog, linkMTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if tcpipErr := gs.CreateNIC(nicID, ethernet.New(ch)); tcpipErr != nil {
		ch.Close()
		return nil, fmt.Errorf("netstack: create nic: %s", tcpipErr)
	}
	if tcpipErr := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); tcpipErr != nil {
		ch.Close()
		gs.Close()
		return nil, fmt.Errorf("netstack: add address: %s", tcpipErr)
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		log:     logger,
		gateway: gateway,
		gs:      gs,
		ch:      ch,
		cancel:  cancel,
		hosts:   make(map[string]string),
		fallbck: cfg.LookupFallback,
	}
	for name, ip := range cfg.Hosts {
		s.hosts[dnsName(name)] = ip
	}
	if cfg.Capture != nil {
		w, err := pcap.New(cfg.Capture, captureSnapLen, pcap.LinkTypeEthernet)
		if err != nil {
			cancel()
			ch.Close()
			gs.Close()
			return nil, fmt.Errorf("netstack: start capture: %w", err)
		}
		s.capture = w
	}
	go s.pump(ctx)
	return s, nil
}

const captureSnapLen = 65535

// record appends one frame to the capture stream. A failed write disables
// the capture rather than the stack.
func (s *Stack) record(frame []byte) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.capture == nil {
		return
	}
	if err := s.capture.Record(time.Now(), frame); err != nil {
		s.log.Warn("netstack: capture write failed", "err", err)
		s.capture = nil
	}
}

// Gateway returns the stack's IPv4 address.
func (s *Stack) Gateway() net.IP { return s.gateway }

// SetDeliver installs the guest receive path. Frames the stack emits before
// a deliver function is set are dropped.
func (s *Stack) SetDeliver(fn func(frame []byte) error) {
	s.mu.Lock()
	s.deliver = fn
	s.mu.Unlock()
}

// WriteFrame injects one guest transmit frame into the stack. This is the
// net device's frame sink.
func (s *Stack) WriteFrame(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("netstack: stack closed")
	}

	s.record(p)

	frame := make([]byte, len(p))
	copy(frame, p)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	// The ethernet endpoint parses the protocol out of the frame.
	s.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// pump moves stack-emitted frames to the guest until the stack closes.
func (s *Stack) pump(ctx context.Context) {
	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := pkt.ToView().AsSlice()
		out := make([]byte, len(frame))
		copy(out, frame)
		pkt.DecRef()

		s.record(out)

		s.mu.Lock()
		deliver := s.deliver
		s.mu.Unlock()
		if deliver == nil {
			continue
		}
		if err := deliver(out); err != nil {
			s.log.Warn("netstack: guest frame delivery failed", "err", err)
		}
	}
}

// DialTCP opens a TCP connection through the stack, e.g. to a service the
// guest runs.
func (s *Stack) DialTCP(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	addr, err := addrFrom4(ip)
	if err != nil {
		return nil, err
	}
	return gonet.DialContextTCP(ctx, s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// ListenTCP listens on the gateway address for guest-initiated connections.
func (s *Stack) ListenTCP(port uint16) (net.Listener, error) {
	addr, err := addrFrom4(s.gateway)
	if err != nil {
		return nil, err
	}
	return gonet.ListenTCP(s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// DialUDP binds a packet conn on the gateway address. A nil remote leaves
// the conn unconnected, usable as a listener.
func (s *Stack) DialUDP(port uint16, remote *net.UDPAddr) (net.PacketConn, error) {
	laddr, err := addrFrom4(s.gateway)
	if err != nil {
		return nil, err
	}
	local := &tcpip.FullAddress{NIC: nicID, Addr: laddr, Port: port}
	var raddr *tcpip.FullAddress
	if remote != nil {
		a, err := addrFrom4(remote.IP)
		if err != nil {
			return nil, err
		}
		raddr = &tcpip.FullAddress{NIC: nicID, Addr: a, Port: uint16(remote.Port)}
	}
	return gonet.DialUDP(s.gs, local, raddr, ipv4.ProtocolNumber)
}

// AddHost maps a DNS name to an IPv4 address string.
func (s *Stack) AddHost(name, ip string) {
	s.mu.Lock()
	s.hosts[dnsName(name)] = ip
	s.mu.Unlock()
}

func (s *Stack) lookupHost(name string) (string, error) {
	s.mu.Lock()
	ip, ok := s.hosts[dnsName(name)]
	fallback := s.fallbck
	s.mu.Unlock()
	if ok {
		return ip, nil
	}
	if fallback != nil {
		return fallback(name)
	}
	return "", fmt.Errorf("unknown host %s", name)
}

// StartDNS serves DNS on the gateway address, port 53. Idempotent.
func (s *Stack) StartDNS() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("netstack: stack closed")
	}
	if s.dns != nil {
		return nil
	}

	laddr, err := addrFrom4(s.gateway)
	if err != nil {
		return err
	}
	pc, err := gonet.DialUDP(s.gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: laddr,
		Port: dnsPort,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return fmt.Errorf("netstack: bind dns: %w", err)
	}
	s.dns = newDNSServer(s.log, s.lookupHost, pc)
	s.dns.start()
	return nil
}

// Close stops the DNS server, the frame pump, and the stack. Idempotent.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.dns
	s.dns = nil
	s.mu.Unlock()

	if srv != nil {
		srv.stop()
	}
	s.cancel()
	s.ch.Close()
	s.gs.Close()
	return nil
}
