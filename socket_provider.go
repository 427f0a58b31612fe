package dnssd

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

// addrFamily distinguishes the two multicast groups a socket may have
// joined.
type addrFamily int

const (
	familyV4 addrFamily = iota
	familyV6
)

var (
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")

	mdnsWildcardAddrIPv4 = &net.UDPAddr{IP: net.IPv4zero, Port: 5353}
	mdnsWildcardAddrIPv6 = &net.UDPAddr{IP: net.IPv6unspecified, Port: 5353}

	mdnsDestIPv4 = &net.UDPAddr{IP: mdnsGroupIPv4, Port: 5353}
)

// mdnsDestIPv6 carries the sending interface's name as the address zone, in
// addition to the per-packet interface selection done via the IPv6 control
// message; the standard library accepts a zone unconditionally on every
// platform Go supports, so setting it costs nothing and helps on
// destinations it's consulted for.
func mdnsDestIPv6(ifaceName string) *net.UDPAddr {
	return &net.UDPAddr{IP: mdnsGroupIPv6, Port: 5353, Zone: ifaceName}
}

// sharedMulticastSocket is the one wildcard-bound UDP socket per address
// family that every interface's mDNS traffic flows through, following the
// teacher's makeNetserver (net.go): binding a fresh wildcard socket per
// interface hits EADDRINUSE on every interface after the first, since
// :5353 can only be bound once per family without SO_REUSEPORT. Instead,
// exactly one socket per family is bound for the process, every interface
// joins the multicast group on it, and an individual interface's send and
// receive traffic is distinguished per packet via the IPv4/IPv6 control
// message's interface index rather than via a separate bind.
type sharedMulticastSocket struct {
	mu sync.Mutex

	conn4 *net.UDPConn
	conn6 *net.UDPConn
	pc4   *ipv4.PacketConn
	pc6   *ipv6.PacketConn

	joinedV4 map[int]bool // iface.Index -> joined
	joinedV6 map[int]bool
	handlers map[int]func(pkt []byte, from net.Addr) // iface.Index -> receive handler

	refs      int
	eg        errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

func newSharedMulticastSocket() *sharedMulticastSocket {
	s := &sharedMulticastSocket{
		joinedV4: make(map[int]bool),
		joinedV6: make(map[int]bool),
		handlers: make(map[int]func([]byte, net.Addr)),
		closed:   make(chan struct{}),
	}
	if conn, err := net.ListenUDP("udp4", mdnsWildcardAddrIPv4); err != nil {
		dnssdlog.Warn.Printf("failed to bind shared udp4 socket: %v", err)
	} else {
		s.conn4 = conn
		s.pc4 = ipv4.NewPacketConn(conn)
		if err := s.pc4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			dnssdlog.Warn.Printf("failed to enable v4 interface control messages: %v", err)
		}
	}
	if conn, err := net.ListenUDP("udp6", mdnsWildcardAddrIPv6); err != nil {
		dnssdlog.Warn.Printf("failed to bind shared udp6 socket: %v", err)
	} else {
		s.conn6 = conn
		s.pc6 = ipv6.NewPacketConn(conn)
		if err := s.pc6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
			dnssdlog.Warn.Printf("failed to enable v6 interface control messages: %v", err)
		}
	}
	s.startReceivingLoops()
	return s
}

func (s *sharedMulticastSocket) startReceivingLoops() {
	if s.pc4 != nil {
		s.eg.Go(func() error { return s.recvLoopV4() })
	}
	if s.pc6 != nil {
		s.eg.Go(func() error { return s.recvLoopV6() })
	}
}

func (s *sharedMulticastSocket) recvLoopV4() error {
	buf := make([]byte, 65536)
	for {
		n, cm, from, err := s.pc4.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return fmt.Errorf("shared udp4 socket: read error: %w", err)
		}
		if cm == nil {
			continue
		}
		s.dispatch(cm.IfIndex, buf[:n], from)
	}
}

func (s *sharedMulticastSocket) recvLoopV6() error {
	buf := make([]byte, 65536)
	for {
		n, cm, from, err := s.pc6.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return fmt.Errorf("shared udp6 socket: read error: %w", err)
		}
		if cm == nil {
			continue
		}
		s.dispatch(cm.IfIndex, buf[:n], from)
	}
}

func (s *sharedMulticastSocket) dispatch(ifIndex int, pkt []byte, from net.Addr) {
	s.mu.Lock()
	handler, ok := s.handlers[ifIndex]
	s.mu.Unlock()
	if !ok {
		return // No interface socket is listening for this interface's traffic.
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	handler(cp, from)
}

func (s *sharedMulticastSocket) joinV4(iface *net.Interface) bool {
	if s.pc4 == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinedV4[iface.Index] {
		return true
	}
	if err := s.pc4.JoinGroup(iface, &net.UDPAddr{IP: mdnsGroupIPv4}); err != nil {
		dnssdlog.Warn.Printf("interface %s: failed to join v4 multicast group: %v", iface.Name, err)
		return false
	}
	s.joinedV4[iface.Index] = true
	return true
}

func (s *sharedMulticastSocket) joinV6(iface *net.Interface) bool {
	if s.pc6 == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinedV6[iface.Index] {
		return true
	}
	if err := s.pc6.JoinGroup(iface, &net.UDPAddr{IP: mdnsGroupIPv6}); err != nil {
		dnssdlog.Warn.Printf("interface %s: failed to join v6 multicast group: %v", iface.Name, err)
		return false
	}
	s.joinedV6[iface.Index] = true
	return true
}

func (s *sharedMulticastSocket) registerHandler(ifaceIndex int, handler func([]byte, net.Addr)) {
	s.mu.Lock()
	s.handlers[ifaceIndex] = handler
	s.mu.Unlock()
}

func (s *sharedMulticastSocket) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// release drops one interface's share of the socket, closing the
// underlying sockets once the last interface has released it.
func (s *sharedMulticastSocket) release(ifaceIndex int) error {
	s.mu.Lock()
	delete(s.handlers, ifaceIndex)
	delete(s.joinedV4, ifaceIndex)
	delete(s.joinedV6, ifaceIndex)
	s.refs--
	remaining := s.refs
	s.mu.Unlock()
	if remaining > 0 {
		return nil
	}
	return s.closeShared()
}

func (s *sharedMulticastSocket) closeShared() error {
	s.closeOnce.Do(func() { close(s.closed) })
	var err error
	if s.conn4 != nil {
		if e := s.conn4.Close(); e != nil {
			err = e
		}
	}
	if s.conn6 != nil {
		if e := s.conn6.Close(); e != nil {
			err = e
		}
	}
	if e := s.eg.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

func (s *sharedMulticastSocket) sendV4(pkt []byte, ifaceIndex int, dst net.Addr) error {
	if s.pc4 == nil {
		return fmt.Errorf("dnssd: no shared v4 socket available")
	}
	_, err := s.pc4.WriteTo(pkt, &ipv4.ControlMessage{IfIndex: ifaceIndex}, dst)
	return err
}

func (s *sharedMulticastSocket) sendV6(pkt []byte, ifaceIndex int, dst net.Addr) error {
	if s.pc6 == nil {
		return fmt.Errorf("dnssd: no shared v6 socket available")
	}
	_, err := s.pc6.WriteTo(pkt, &ipv6.ControlMessage{IfIndex: ifaceIndex}, dst)
	return err
}

// InterfaceSocket is a dual-stack mDNS socket bound to one network
// interface: its sends and receives are multiplexed onto the process-wide
// sharedMulticastSocket by interface index. It is the unit the socket
// provider hands to the multinetwork socket client.
type InterfaceSocket struct {
	iface  *net.Interface
	shared *sharedMulticastSocket
	hasV4  bool
	hasV6  bool

	closeOnce sync.Once
}

// HasJoinedV4 reports whether this socket successfully joined the IPv4
// multicast group on its interface.
func (s *InterfaceSocket) HasJoinedV4() bool { return s.hasV4 }

// HasJoinedV6 reports whether this socket successfully joined the IPv6
// multicast group on its interface.
func (s *InterfaceSocket) HasJoinedV6() bool { return s.hasV6 }

// Interface returns the network interface this socket is bound to.
func (s *InterfaceSocket) Interface() *net.Interface { return s.iface }

// Send writes pkt to the mDNS multicast group for the given address family,
// selecting this socket's interface as the egress interface via the
// per-packet control message.
func (s *InterfaceSocket) Send(pkt []byte, family addrFamily) error {
	switch family {
	case familyV4:
		if !s.hasV4 {
			return fmt.Errorf("dnssd: interface %s has no joined v4 socket", s.iface.Name)
		}
		return s.shared.sendV4(pkt, s.iface.Index, mdnsDestIPv4)
	case familyV6:
		if !s.hasV6 {
			return fmt.Errorf("dnssd: interface %s has no joined v6 socket", s.iface.Name)
		}
		return s.shared.sendV6(pkt, s.iface.Index, mdnsDestIPv6(s.iface.Name))
	default:
		return fmt.Errorf("dnssd: unknown address family %d", family)
	}
}

// SendUnicast writes pkt directly to dest via this socket's interface,
// on whichever joined address family matches dest.
func (s *InterfaceSocket) SendUnicast(pkt []byte, dest net.Addr) error {
	udpDest, ok := dest.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("dnssd: unicast destination %v is not a UDP address", dest)
	}
	if udpDest.IP.To4() != nil {
		if !s.hasV4 {
			return fmt.Errorf("dnssd: interface %s has no joined v4 socket", s.iface.Name)
		}
		return s.shared.sendV4(pkt, s.iface.Index, udpDest)
	}
	if !s.hasV6 {
		return fmt.Errorf("dnssd: interface %s has no joined v6 socket", s.iface.Name)
	}
	return s.shared.sendV6(pkt, s.iface.Index, udpDest)
}

// StartReceiving registers handler to be called with every datagram the
// shared socket receives on this interface, until the socket is closed.
func (s *InterfaceSocket) StartReceiving(handler func(pkt []byte, from net.Addr)) {
	s.shared.registerHandler(s.iface.Index, handler)
}

// Close releases this interface's share of the underlying shared socket,
// closing it once every interface sharing it has done the same. Close is
// idempotent.
func (s *InterfaceSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.shared.release(s.iface.Index)
	})
	return err
}

// MulticastSocket is the sending/receiving surface the interface
// advertiser (C7), the reply sender (C2), and the multinetwork
// socket client (C9) depend on. *InterfaceSocket is the production
// implementation; tests substitute a fake that needs no real network
// access.
type MulticastSocket interface {
	Interface() *net.Interface
	HasJoinedV4() bool
	HasJoinedV6() bool
	Send(pkt []byte, family addrFamily) error
	SendUnicast(pkt []byte, dest net.Addr) error
	StartReceiving(handler func(pkt []byte, from net.Addr))
	Close() error
}

// SocketProvider creates per-interface mDNS sockets. It is the kernel-level
// collaborator the multinetwork socket client is built on; the production
// implementation is udpSocketProvider, but tests substitute a fake.
type SocketProvider interface {
	CreateSocket(iface *net.Interface) (MulticastSocket, error)
}

// udpSocketProvider is the real SocketProvider. It lazily binds one shared
// multicast socket per address family for the whole process and hands out
// one InterfaceSocket view of it per requested interface.
type udpSocketProvider struct {
	mu     sync.Mutex
	shared *sharedMulticastSocket
}

// NewSocketProvider returns the production SocketProvider.
func NewSocketProvider() SocketProvider {
	return &udpSocketProvider{}
}

func (p *udpSocketProvider) CreateSocket(iface *net.Interface) (MulticastSocket, error) {
	p.mu.Lock()
	if p.shared == nil {
		p.shared = newSharedMulticastSocket()
	}
	shared := p.shared
	p.mu.Unlock()

	hasV4 := shared.joinV4(iface)
	hasV6 := shared.joinV6(iface)
	if !hasV4 && !hasV6 {
		return nil, fmt.Errorf("dnssd: interface %s: failed to join multicast group on either address family", iface.Name)
	}
	shared.acquire()
	return &InterfaceSocket{iface: iface, shared: shared, hasV4: hasV4, hasV6: hasV6}, nil
}
