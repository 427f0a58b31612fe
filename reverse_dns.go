package dnssd

import (
	"fmt"
	"net"
	"strings"
)

/*
4.  Reverse Address Mapping

   Like ".local.", the IPv4 and IPv6 reverse mapping domains are also
   defined to be link-local:

      Any DNS query for a name ending with "254.169.in-addr.arpa." MUST
      be sent to the mDNS IPv4 link-local multicast address 224.0.0.251
      or the mDNS IPv6 multicast address FF02::FB.  Since names under
      this domain correspond to IPv4 link-local addresses, it is logical
      that the local link is the best place to find information
      pertaining to those names.

      Likewise, any DNS query for a name within the reverse mapping
      domains for IPv6 link-local addresses ("8.e.f.ip6.arpa.",
      "9.e.f.ip6.arpa.", "a.e.f.ip6.arpa.", and "b.e.f.ip6.arpa.") MUST
      be sent to the mDNS IPv6 link-local multicast address FF02::FB or
      the mDNS IPv4 link-local multicast address 224.0.0.251.
*/

const hexDigits = "0123456789abcdef"

// getReverseDNSAddress computes the reverse-mapping DNS name for addr, e.g.
//
//	192.0.2.123   -> 123.2.0.192.in-addr.arpa.
//	2001:db8::1   -> 1.0.0 ... 8.b.d.0.1.0.0.2.ip6.arpa.
//
// The name is returned fully qualified (trailing dot), matching the form
// used for record names elsewhere in this package.
func getReverseDNSAddress(addr net.IP) (string, error) {
	if v4 := addr.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", v4[3], v4[2], v4[1], v4[0]), nil
	}
	v6 := addr.To16()
	if v6 == nil {
		return "", fmt.Errorf("dnssd: invalid IP address %v", addr)
	}
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		lo := v6[i] & 0x0f
		hi := v6[i] >> 4
		b.WriteByte(hexDigits[lo])
		b.WriteByte('.')
		b.WriteByte(hexDigits[hi])
		b.WriteByte('.')
	}
	b.WriteString("ip6.arpa.")
	return b.String(), nil
}
