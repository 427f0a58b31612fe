package dnssd

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceAddrs() []net.IP {
	return []net.IP{
		net.ParseIP("192.0.2.111"),
		net.ParseIP("2001:db8::111"),
		net.ParseIP("2001:db8::222"),
	}
}

func TestAddServiceCreatesExpectedRecords(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}

	_, err := repo.AddService(1, svc)
	require.NoError(t, err)

	reg := repo.services[1]
	require.NotNil(t, reg)
	assert.True(t, reg.probing)
	assert.Len(t, reg.records(), 4) // typePTR, srv, txt, enumPTR (no subtypes)
}

func TestAddServiceDuplicateID(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "A", ServiceType: []string{"_t", "_tcp"}, Port: 1}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)

	_, err = repo.AddService(1, svc)
	require.Error(t, err)
	var dup *DuplicateIDError
	assert.ErrorAs(t, err, &dup)
}

func TestAddServiceNameConflictWithActiveService(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "Printer", ServiceType: []string{"_ipp", "_tcp"}, Port: 631}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)

	_, err = repo.AddService(2, Service{InstanceName: "printer", ServiceType: []string{"_ipp", "_tcp"}, Port: 631})
	require.Error(t, err)
	var conflict *NameConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.ConflictingID)
}

func TestAddServiceDisplacesExitingService(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "Printer", ServiceType: []string{"_ipp", "_tcp"}, Port: 631}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	_, err = repo.ExitService(1)
	require.NoError(t, err)

	displaced, err := repo.AddService(2, svc)
	require.NoError(t, err)
	assert.Equal(t, 1, displaced)
	_, stillThere := repo.services[1]
	assert.False(t, stillThere)
}

// TestProbeAndAnnounce implements scenario 1 from the testable-properties
// section: probe question shape, then the full announcement packet.
func TestProbeAndAnnounce(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	repo.UpdateAddresses(testServiceAddrs())

	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)

	probing, err := repo.SetServiceProbing(1)
	require.NoError(t, err)
	require.Len(t, probing.Questions, 1)
	assert.Equal(t, "MyTestService._testservice._tcp.local.", probing.Questions[0].Name)
	assert.Equal(t, uint16(dns.TypeANY), probing.Questions[0].Qtype)
	require.Len(t, probing.Authority, 1)
	srv, ok := probing.Authority[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(12345), srv.Port)

	info, err := repo.OnProbingSucceeded(1)
	require.NoError(t, err)
	assert.False(t, repo.IsProbing(1))

	require.Len(t, info.Answers, 10)
	names := make([]string, len(info.Answers))
	types := make([]uint16, len(info.Answers))
	for i, rr := range info.Answers {
		names[i] = rr.Header().Name
		types[i] = rr.Header().Rrtype
	}
	assert.Equal(t, []uint16{
		dns.TypePTR, dns.TypePTR, dns.TypePTR, // reverse PTRs, one per address
		dns.TypeA,
		dns.TypeAAAA, dns.TypeAAAA,
		dns.TypePTR, dns.TypeSRV, dns.TypeTXT, dns.TypePTR,
	}, types)

	servicePTR := info.Answers[6].(*dns.PTR)
	assert.Equal(t, "_testservice._tcp.local.", servicePTR.Hdr.Name)
	assert.Equal(t, "MyTestService._testservice._tcp.local.", servicePTR.Ptr)
	assert.EqualValues(t, 4500, servicePTR.Hdr.Ttl)

	announcedSRV := info.Answers[7].(*dns.SRV)
	assert.EqualValues(t, 120, announcedSRV.Hdr.Ttl)
	assert.Equal(t, uint16(12345), announcedSRV.Port)

	txt := info.Answers[8].(*dns.TXT)
	assert.EqualValues(t, 4500, txt.Hdr.Ttl)
	assert.Empty(t, txt.Txt)

	enumPTR := info.Answers[9].(*dns.PTR)
	assert.Equal(t, "_services._dns-sd._udp.local.", enumPTR.Hdr.Name)
	assert.EqualValues(t, 4500, enumPTR.Hdr.Ttl)

	assert.NotEmpty(t, info.Additional)
	for _, rr := range info.Additional {
		_, isNSEC := rr.(*dns.NSEC)
		assert.True(t, isNSEC)
	}
}

// TestSubtypePTRsInAnnouncement implements scenario 2.
func TestSubtypePTRsInAnnouncement(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{
		InstanceName: "MyTestService",
		ServiceType:  []string{"_testservice", "_tcp"},
		Subtypes:     []string{"_subtype", "_subtype2"},
		Port:         12345,
	}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	_, err = repo.SetServiceProbing(1)
	require.NoError(t, err)

	info, err := repo.OnProbingSucceeded(1)
	require.NoError(t, err)

	var subtypeNames []string
	for _, rr := range info.Answers {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		if ptr.Ptr == "MyTestService._testservice._tcp.local." && ptr.Hdr.Name != "_testservice._tcp.local." {
			subtypeNames = append(subtypeNames, ptr.Hdr.Name)
		}
	}
	assert.Contains(t, subtypeNames, "_subtype._sub._testservice._tcp.local.")
	assert.Contains(t, subtypeNames, "_subtype2._sub._testservice._tcp.local.")
}

// TestExitAnnouncement implements scenario 3.
func TestExitAnnouncement(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	repo.UpdateAddresses(testServiceAddrs())
	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	_, err = repo.SetServiceProbing(1)
	require.NoError(t, err)
	_, err = repo.OnProbingSucceeded(1)
	require.NoError(t, err)

	info, err := repo.ExitService(1)
	require.NoError(t, err)
	require.Len(t, info.Answers, 1)
	ptr := info.Answers[0].(*dns.PTR)
	assert.Equal(t, "_testservice._tcp.local.", ptr.Hdr.Name)
	assert.EqualValues(t, 0, ptr.Hdr.Ttl)
	assert.Empty(t, info.Additional)
}

// TestKnownAnswerSuppression implements scenario 4.
func TestKnownAnswerSuppression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KnownAnswerSuppressionEnabled = true
	repo := NewRecordRepository(cfg)
	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	_, err = repo.SetServiceProbing(1)
	require.NoError(t, err)
	_, err = repo.OnProbingSucceeded(1)
	require.NoError(t, err)

	query := &dns.Msg{
		Question: []dns.Question{{Name: "_testservice._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET}},
		Answer: []dns.RR{
			&dns.PTR{
				Hdr: dns.RR_Header{Name: "_testservice._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 4400},
				Ptr: "MyTestService._testservice._tcp.local.",
			},
		},
	}
	reply := repo.GetReply(query, nil)
	assert.Nil(t, reply)

	query.Answer[0].Header().Ttl = 1000
	reply = repo.GetReply(query, nil)
	require.NotNil(t, reply)
	assert.NotEmpty(t, reply.Answers)
}

// TestConflictDetection implements scenario 5.
func TestConflictDetection(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	_, err = repo.SetServiceProbing(1)
	require.NoError(t, err)
	_, err = repo.OnProbingSucceeded(1)
	require.NoError(t, err)

	incoming := &dns.Msg{
		Answer: []dns.RR{
			&dns.SRV{
				Hdr:    dns.RR_Header{Name: "MyTestService._testservice._tcp.local.", Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
				Port:   12346,
				Target: "someoneelse.local.",
			},
		},
	}
	conflicts := repo.GetConflictingServices(incoming)
	assert.Equal(t, []int{1}, conflicts)
}

func TestConflictDetectionIgnoresIdenticalRdata(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "MyTestService", ServiceType: []string{"_testservice", "_tcp"}, Port: 12345}
	_, err := repo.AddService(1, svc)
	require.NoError(t, err)
	probing, err := repo.SetServiceProbing(1)
	require.NoError(t, err)

	incoming := &dns.Msg{Answer: probing.Authority}
	assert.Empty(t, repo.GetConflictingServices(incoming))
}

func TestGetReverseDNSAddress(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	name, err := repo.GetReverseDNSAddress(net.ParseIP("192.0.2.123"))
	require.NoError(t, err)
	assert.Equal(t, "123.2.0.192.in-addr.arpa.", name)

	name, err = repo.GetReverseDNSAddress(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa.", name)
}

func TestRemoveServiceThenClear(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	_, err := repo.AddService(1, Service{InstanceName: "A", ServiceType: []string{"_t", "_tcp"}, Port: 1})
	require.NoError(t, err)
	_, err = repo.AddService(2, Service{InstanceName: "B", ServiceType: []string{"_t", "_tcp"}, Port: 2})
	require.NoError(t, err)

	require.NoError(t, repo.RemoveService(1))
	assert.Len(t, repo.ClearServices(), 1)
	assert.Empty(t, repo.serviceOrder)
}

func TestAddServiceRejectsBadServiceType(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{InstanceName: "A", ServiceType: []string{"_t", "_ble"}, Port: 1}

	_, err := repo.AddService(1, svc)
	require.Error(t, err)
	var badType *errBadServiceType
	assert.ErrorAs(t, err, &badType)
	assert.Empty(t, repo.services)
}

func TestAddServiceRejectsBadAttribute(t *testing.T) {
	repo := NewRecordRepository(DefaultConfig())
	svc := Service{
		InstanceName: "A",
		ServiceType:  []string{"_t", "_tcp"},
		Port:         1,
		Attributes:   []Attribute{{Key: "k=v"}},
	}

	_, err := repo.AddService(1, svc)
	require.Error(t, err)
	var badAttr *errBadAttribute
	assert.ErrorAs(t, err, &badAttr)
	assert.Empty(t, repo.services)
}
