package dnssd

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// TTLs as per RFC6762 10. nameRecordsTTL applies to records whose name is a
// host name or whose rdata contains one (A, AAAA, SRV, reverse-mapping
// PTR); nonNameRecordsTTL applies to everything else (PTR, TXT,
// service-enumeration PTR).
const (
	nameRecordsTTL    = 120 * time.Second
	nonNameRecordsTTL = 75 * time.Minute
)

// cacheFlushBit is the top bit of the rrclass field that marks a record as
// unique, per RFC6762 10.2.
const cacheFlushBit = 1 << 15

// recordInfo wraps a dns.RR with the bookkeeping the repository needs to
// answer queries and detect conflicts.
type recordInfo struct {
	rr dns.RR

	// serviceID is the owning service, or noService for a general
	// (host-address) record owned by the repository itself rather than a
	// service.
	serviceID int

	// isSharedName is true for the service-type, subtype and enumeration
	// PTR records, false for the unique SRV/TXT/A/AAAA and reverse-mapping
	// PTR records.
	isSharedName bool

	// isProbing mirrors the owning service's probing flag; general
	// records are never probed.
	isProbing bool
}

const noService = -1

func ttlMillis(rr dns.RR) int64 {
	return int64(rr.Header().Ttl) * 1000
}

// foldName returns the case-folded form of a DNS name used for comparisons
// and map keys throughout the package. Only ASCII letters are folded.
func foldName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func namesEqual(a, b string) bool {
	return foldName(a) == foldName(b)
}

// newHeader builds a record header. name and the rdata names passed to the
// constructors below are fully qualified, dot-terminated presentation-format
// names (the output of joinLabels).
func newHeader(name string, rrtype uint16, cacheFlush bool, ttl time.Duration) dns.RR_Header {
	class := uint16(dns.ClassINET)
	if cacheFlush {
		class |= cacheFlushBit
	}
	return dns.RR_Header{
		Name:   name,
		Rrtype: rrtype,
		Class:  class,
		Ttl:    uint32(ttl / time.Second),
	}
}

func newPTR(name string, ttl time.Duration, cacheFlush bool, target string) *dns.PTR {
	return &dns.PTR{
		Hdr: newHeader(name, dns.TypePTR, cacheFlush, ttl),
		Ptr: target,
	}
}

func newSRV(name string, ttl time.Duration, cacheFlush bool, port uint16, target string) *dns.SRV {
	return &dns.SRV{
		Hdr:      newHeader(name, dns.TypeSRV, cacheFlush, ttl),
		Priority: 0,
		Weight:   0,
		Port:     port,
		Target:   target,
	}
}

func newTXT(name string, ttl time.Duration, cacheFlush bool, attrs []Attribute) *dns.TXT {
	txt := &dns.TXT{Hdr: newHeader(name, dns.TypeTXT, cacheFlush, ttl)}
	for _, a := range attrs {
		entry := a.Key
		if a.Value != nil {
			entry += "=" + string(a.Value)
		}
		txt.Txt = append(txt.Txt, entry)
	}
	return txt
}

func newAddressRecord(name string, ttl time.Duration, cacheFlush bool, ip net.IP) dns.RR {
	if v4 := ip.To4(); v4 != nil {
		return &dns.A{Hdr: newHeader(name, dns.TypeA, cacheFlush, ttl), A: v4}
	}
	return &dns.AAAA{Hdr: newHeader(name, dns.TypeAAAA, cacheFlush, ttl), AAAA: ip.To16()}
}

func isAddressRecordType(rr dns.RR) bool {
	switch rr.(type) {
	case *dns.A, *dns.AAAA:
		return true
	default:
		return false
	}
}

func newNSEC(name string, ttl time.Duration, types []uint16) *dns.NSEC {
	return &dns.NSEC{
		Hdr:        newHeader(name, dns.TypeNSEC, true, ttl),
		NextDomain: name,
		TypeBitMap: types,
	}
}

// goodbye returns a copy of rr with its TTL set to zero, as published in an
// exit (withdrawal) announcement (RFC6762 10.1).
func goodbye(rr dns.RR) dns.RR {
	c := dns.Copy(rr)
	c.Header().Ttl = 0
	return c
}
