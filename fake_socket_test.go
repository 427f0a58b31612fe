package dnssd

import (
	"net"
	"sync"
)

// fakeSocket is a MulticastSocket test double that records every packet it
// is asked to send instead of touching the network. Tests that need to
// simulate an incoming packet call deliver directly; StartReceiving just
// remembers the handler.
type fakeSocket struct {
	mu sync.Mutex

	iface    *net.Interface
	joinedV4 bool
	joinedV6 bool

	multicast []sentPacket
	unicast   []sentPacket
	sendErr   error

	handler func(pkt []byte, from net.Addr)
	closed  bool
}

type sentPacket struct {
	pkt    []byte
	family addrFamily
	dest   net.Addr
}

func newFakeSocket(name string) *fakeSocket {
	return &fakeSocket{
		iface:    &net.Interface{Name: name},
		joinedV4: true,
		joinedV6: true,
	}
}

func (s *fakeSocket) Interface() *net.Interface { return s.iface }
func (s *fakeSocket) HasJoinedV4() bool          { return s.joinedV4 }
func (s *fakeSocket) HasJoinedV6() bool          { return s.joinedV6 }

func (s *fakeSocket) Send(pkt []byte, family addrFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.multicast = append(s.multicast, sentPacket{pkt: pkt, family: family})
	return nil
}

func (s *fakeSocket) SendUnicast(pkt []byte, dest net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.unicast = append(s.unicast, sentPacket{pkt: pkt, dest: dest})
	return nil
}

func (s *fakeSocket) StartReceiving(handler func(pkt []byte, from net.Addr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// deliver invokes the handler StartReceiving was given, as if pkt arrived
// from src. It is a no-op if nothing has subscribed yet.
func (s *fakeSocket) deliver(pkt []byte, src net.Addr) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(pkt, src)
	}
}

func (s *fakeSocket) multicastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.multicast)
}

func (s *fakeSocket) lastMulticast() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.multicast) == 0 {
		return nil
	}
	return s.multicast[len(s.multicast)-1].pkt
}

// fakeSocketProvider hands out pre-built fakeSockets, keyed by interface
// name, so a test can reach into the one it cares about.
type fakeSocketProvider struct {
	mu      sync.Mutex
	sockets map[string]*fakeSocket
}

func newFakeSocketProvider() *fakeSocketProvider {
	return &fakeSocketProvider{sockets: make(map[string]*fakeSocket)}
}

func (p *fakeSocketProvider) CreateSocket(iface *net.Interface) (MulticastSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sock, ok := p.sockets[iface.Name]; ok {
		return sock, nil
	}
	sock := newFakeSocket(iface.Name)
	sock.iface = iface
	p.sockets[iface.Name] = sock
	return sock, nil
}

func (p *fakeSocketProvider) socketFor(name string) *fakeSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sockets[name]
}
