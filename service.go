package dnssd

import (
	"fmt"
	"strings"
)

// localTLD is the top-level domain implicitly appended to every service
// type and host name (RFC6762 3.).
const localTLD = "local"

// dnsSDServiceType is the name under which service-type enumeration PTRs
// are published (RFC6763 9.).
var dnsSDServiceType = []string{"_services", "_dns-sd", "_udp", localTLD}

// Attribute is one entry of a service's DNS-SD TXT record (RFC6763 6.).
// Value is nil for a boolean (key-only) attribute.
type Attribute struct {
	Key   string
	Value []byte
}

// Service describes an advertised DNS-SD service, identified by a
// repository-unique integer id supplied by the caller.
type Service struct {
	// InstanceName is the service's unique, case-insensitively compared
	// label, e.g. "Kitchen Printer".
	InstanceName string

	// ServiceType is the ordered sequence of labels identifying the
	// service type, e.g. ["_ipp", "_tcp"]. It must end in "_tcp" or
	// "_udp"; "local" is implicitly appended and must not be included
	// here.
	ServiceType []string

	// Subtypes is the set of subtype labels advertised as
	// "<sub>._sub.<type>", e.g. ["_universal"].
	Subtypes []string

	// Port is the service's TCP/UDP port.
	Port uint16

	// Attributes are the ordered TXT record entries.
	Attributes []Attribute
}

// ParseServiceType parses the "_foo._tcp" or "_foo._tcp,_sub1,_sub2" input
// grammar into an ordered label sequence and a subtype set.
// The returned labels do not include the trailing "local" TLD.
func ParseServiceType(input string) (serviceType []string, subtypes []string, err error) {
	parts := strings.Split(input, ",")
	if len(parts) == 0 || parts[0] == "" {
		return nil, nil, &errBadServiceType{Input: input}
	}
	serviceType = strings.Split(strings.Trim(parts[0], "."), ".")
	if err := validateServiceType(serviceType); err != nil {
		return nil, nil, &errBadServiceType{Input: input}
	}
	for _, s := range parts[1:] {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		subtypes = append(subtypes, s)
	}
	return serviceType, subtypes, nil
}

// NewService builds a Service from a "_foo._tcp" or "_foo._tcp,_sub1,_sub2"
// type string, parsed via ParseServiceType, plus the instance name, port,
// and TXT attributes every Service also needs.
func NewService(instanceName, typeAndSubtypes string, port uint16, attrs []Attribute) (Service, error) {
	serviceType, subtypes, err := ParseServiceType(typeAndSubtypes)
	if err != nil {
		return Service{}, err
	}
	return Service{
		InstanceName: instanceName,
		ServiceType:  serviceType,
		Subtypes:     subtypes,
		Port:         port,
		Attributes:   attrs,
	}, nil
}

// validateServiceType checks that serviceType has at least two labels and
// ends in "_tcp" or "_udp", per RFC6763 §7's service type grammar.
func validateServiceType(serviceType []string) error {
	if len(serviceType) < 2 {
		return fmt.Errorf("dnssd: service type %v has too few labels", serviceType)
	}
	last := serviceType[len(serviceType)-1]
	if !strings.EqualFold(last, "_tcp") && !strings.EqualFold(last, "_udp") {
		return fmt.Errorf("dnssd: service type %v must end in _tcp or _udp", serviceType)
	}
	return nil
}

// validateService checks a Service against the RFC6763 §6/§7 constraints
// validateServiceType and validateAttribute describe: AddService calls this
// before registering any of the service's records.
func validateService(svc Service) error {
	if err := validateServiceType(svc.ServiceType); err != nil {
		return &errBadServiceType{Input: joinLabels(svc.ServiceType)}
	}
	for _, a := range svc.Attributes {
		if err := validateAttribute(a); err != nil {
			return err
		}
	}
	return nil
}

// fullServiceType returns the service type with the local TLD appended,
// e.g. ["_ipp", "_tcp", "local"].
func fullServiceType(serviceType []string) []string {
	out := make([]string, 0, len(serviceType)+1)
	out = append(out, serviceType...)
	out = append(out, localTLD)
	return out
}

// fullInstanceName returns the fully qualified name of a service instance,
// e.g. ["MyPrinter", "_ipp", "_tcp", "local"].
func fullInstanceName(instanceName string, serviceType []string) []string {
	out := make([]string, 0, len(serviceType)+2)
	out = append(out, instanceName)
	out = append(out, fullServiceType(serviceType)...)
	return out
}

// subtypePTRName returns the name under which a subtype PTR is published:
// "<sub>._sub.<type>.local".
func subtypePTRName(subtype string, serviceType []string) []string {
	out := make([]string, 0, len(serviceType)+3)
	out = append(out, subtype, "_sub")
	out = append(out, fullServiceType(serviceType)...)
	return out
}

// joinLabels concatenates DNS labels into a fully qualified, dot-terminated
// presentation-format name.
func joinLabels(labels []string) string {
	return strings.Join(labels, ".") + "."
}

// validateAttribute checks the RFC6763 6.4/6.5 constraints: the key is
// non-empty ASCII 0x20-0x7E excluding '=', and key+"="+value is at most 255
// bytes.
func validateAttribute(a Attribute) error {
	if len(a.Key) == 0 {
		return &errBadAttribute{Key: a.Key, Reason: "key must not be empty"}
	}
	for _, c := range []byte(a.Key) {
		if c == '=' || c < 0x20 || c > 0x7E {
			return &errBadAttribute{Key: a.Key, Reason: "key contains an invalid character"}
		}
	}
	total := len(a.Key) + 1 + len(a.Value)
	if total > 255 {
		return &errBadAttribute{Key: a.Key, Reason: "key+value exceeds 255 bytes"}
	}
	return nil
}
