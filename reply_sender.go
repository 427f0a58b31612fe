package dnssd

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ReplySender is C2: it serializes a prepared message and emits it on one
// socket, choosing the destination per RFC6762. Every
// packet the interface advertiser sends funnels through it: probe queries,
// announcements (including exit), and query replies all go out via Pack
// plus either SendMulticast or SendReply.
type ReplySender struct{}

// NewReplySender returns the stateless C2 packet sender.
func NewReplySender() *ReplySender { return &ReplySender{} }

// Pack serializes msg into wire bytes.
func (s *ReplySender) Pack(msg *dns.Msg) ([]byte, error) {
	pkt, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("dnssd: failed to pack message: %w", err)
	}
	return pkt, nil
}

// SendMulticast emits pkt on every address family sock has joined. Probe
// queries and announcements always go out this way.
func (s *ReplySender) SendMulticast(sock MulticastSocket, pkt []byte) error {
	var firstErr error
	if sock.HasJoinedV4() {
		if err := sock.Send(pkt, familyV4); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sock.HasJoinedV6() {
		if err := sock.Send(pkt, familyV6); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendReply packs reply and emits it on sock: unicast to srcAddr if every
// question in the originating query asked for a unicast response,
// otherwise multicast on every joined family.
func (s *ReplySender) SendReply(sock MulticastSocket, reply Reply, srcAddr net.Addr) error {
	pkt, err := s.Pack(buildReply(reply))
	if err != nil {
		return err
	}
	if reply.Unicast && srcAddr != nil {
		return sock.SendUnicast(pkt, srcAddr)
	}
	return s.SendMulticast(sock, pkt)
}
