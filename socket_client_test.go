package dnssd

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetworkInterfaceProvider struct {
	ifaces map[Network][]*net.Interface
}

func (p *fakeNetworkInterfaceProvider) Interfaces(network Network) ([]*net.Interface, error) {
	return p.ifaces[network], nil
}

type recordingSocketListener struct {
	created  []SocketKey
	destroyed []SocketKey
	responses []*dns.Msg
	parseErrs int
}

func (l *recordingSocketListener) OnSocketCreated(key SocketKey)   { l.created = append(l.created, key) }
func (l *recordingSocketListener) OnSocketDestroyed(key SocketKey) { l.destroyed = append(l.destroyed, key) }
func (l *recordingSocketListener) OnResponseReceived(msg *dns.Msg, key SocketKey) {
	l.responses = append(l.responses, msg)
}
func (l *recordingSocketListener) OnFailedToParse(key SocketKey, packetNumber int, err error) {
	l.parseErrs++
}

func TestSocketClientSharesSocketAcrossListenersOnSameInterfaceAndNetwork(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"}
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{"home": {eth0}}}
	provider := newFakeSocketProvider()

	c := NewMultinetworkSocketClient(sched, provider, netIfs)

	l1 := &recordingSocketListener{}
	l2 := &recordingSocketListener{}
	require.NoError(t, c.NotifyNetworkRequested(1, "home", l1))
	require.NoError(t, c.NotifyNetworkRequested(2, "home", l2))

	require.Len(t, l1.created, 1)
	require.Len(t, l2.created, 1)
	assert.Equal(t, 1, len(provider.sockets), "both listeners must share one socket per interface")
}

func TestSocketClientDuplicateTokenRejected(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"}
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{"home": {eth0}}}
	provider := newFakeSocketProvider()
	c := NewMultinetworkSocketClient(sched, provider, netIfs)

	require.NoError(t, c.NotifyNetworkRequested(1, "home", &recordingSocketListener{}))
	err := c.NotifyNetworkRequested(1, "home", &recordingSocketListener{})
	require.Error(t, err)
	assert.IsType(t, &DuplicateListenerError{}, err)
}

func TestSocketClientNullNetworkDoesNotMatchNamedNetwork(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"}
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{
		"":     {eth0},
		"home": {eth0},
	}}
	provider := newFakeSocketProvider()
	c := NewMultinetworkSocketClient(sched, provider, netIfs)

	require.NoError(t, c.NotifyNetworkRequested(1, "", &recordingSocketListener{}))
	require.NoError(t, c.NotifyNetworkRequested(2, "home", &recordingSocketListener{}))

	// Same interface but different networks must produce two distinct
	// socket entries, not a shared one.
	sched.PostSync(func() {
		assert.Len(t, c.sockets, 2)
	})
}

func TestSocketClientSendMulticastHonorsIPv6OnlyFallback(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"} // dual-stack
	eth1 := &net.Interface{Name: "eth1"} // v6-only
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{"home": {eth0, eth1}}}
	provider := newFakeSocketProvider()

	c := NewMultinetworkSocketClient(sched, provider, netIfs)
	require.NoError(t, c.NotifyNetworkRequested(1, "home", &recordingSocketListener{}))

	sock0 := provider.socketFor("eth0")
	sock1 := provider.socketFor("eth1")
	sched.PostSync(func() { sock0.joinedV6 = true; sock1.joinedV6 = true; sock1.joinedV4 = false })

	c.SendMulticast([]byte("pkt"), familyV6, "home", true)
	sched.PostSync(func() {})

	assert.Equal(t, 0, sock0.multicastCount(), "dual-stack socket should be skipped: v4 already covers this network")
	assert.Equal(t, 0, sock1.multicastCount(), "v6-only socket is skipped too: the network has a v4-joined socket")

	// Once no socket on the network has joined v4, the network is v6-only
	// and every v6-joined socket on it sends.
	sched.PostSync(func() { sock0.joinedV4 = false })

	c.SendMulticast([]byte("pkt"), familyV6, "home", true)
	sched.PostSync(func() {})

	assert.Equal(t, 1, sock0.multicastCount(), "v6-only network: eth0 must receive it")
	assert.Equal(t, 1, sock1.multicastCount(), "v6-only network: eth1 must receive it")
}

func TestSocketClientUnrequestedDestroysUnsharedSocket(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"}
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{"home": {eth0}}}
	provider := newFakeSocketProvider()
	c := NewMultinetworkSocketClient(sched, provider, netIfs)

	l := &recordingSocketListener{}
	require.NoError(t, c.NotifyNetworkRequested(1, "home", l))
	c.NotifyNetworkUnrequested(1)

	require.Len(t, l.destroyed, 1)
	sock := provider.socketFor("eth0")
	sched.PostSync(func() {
		assert.True(t, sock.closed)
	})
}

func TestSocketClientDispatchesResponsesAndParseErrors(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	eth0 := &net.Interface{Name: "eth0"}
	netIfs := &fakeNetworkInterfaceProvider{ifaces: map[Network][]*net.Interface{"home": {eth0}}}
	provider := newFakeSocketProvider()
	c := NewMultinetworkSocketClient(sched, provider, netIfs)

	l := &recordingSocketListener{}
	require.NoError(t, c.NotifyNetworkRequested(1, "home", l))

	sock := provider.socketFor("eth0")

	resp := new(dns.Msg)
	resp.Response = true
	pkt, err := resp.Pack()
	require.NoError(t, err)
	sock.deliver(pkt, &net.UDPAddr{IP: net.ParseIP("192.0.2.9")})
	sched.PostSync(func() {})
	require.Len(t, l.responses, 1)

	sock.deliver([]byte{0xff, 0xff, 0xff}, &net.UDPAddr{IP: net.ParseIP("192.0.2.9")})
	sched.PostSync(func() {})
	assert.Equal(t, 1, l.parseErrs)
}
