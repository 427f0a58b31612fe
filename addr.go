package dnssd

import "net"

// interfaceAddrs returns the non-loopback unicast IP addresses configured
// on iface, the input UpdateAddresses needs to rebuild an advertiser's
// general (host) records after binding to a new interface or after an
// address change.
func interfaceAddrs(iface *net.Interface) []net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		dnssdlog.Warn.Printf("interface %s: failed to list addresses: %v", iface.Name, err)
		return nil
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipnet.IP)
	}
	return out
}
