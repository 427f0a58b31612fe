package dnssd

import "fmt"

// DuplicateIDError is returned by (*RecordRepository).AddService when the
// caller reuses a service_id that is already known.
type DuplicateIDError struct {
	ServiceID int
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("dnssd: service id %d already registered", e.ServiceID)
}

// NameConflictError is returned by (*RecordRepository).AddService when an
// active (non-exiting) service already owns the instance name.
type NameConflictError struct {
	InstanceName  string
	ConflictingID int
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("dnssd: instance name %q already in use by service %d",
		e.InstanceName, e.ConflictingID)
}

// UnknownIDError is returned by operations keyed on a service_id that is not
// registered in the repository.
type UnknownIDError struct {
	ServiceID int
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("dnssd: unknown service id %d", e.ServiceID)
}

// ParseErrorKind classifies a failure to decode an incoming mDNS packet.
type ParseErrorKind int

const (
	// ParseErrorNotResponse indicates the packet was a query, not a
	// response; this is not an error in the response-handling path.
	ParseErrorNotResponse ParseErrorKind = iota
	// ParseErrorMalformed indicates any other decode failure.
	ParseErrorMalformed
)

// ParseError wraps a failure to decode an incoming packet, tagged with a
// ParseErrorKind so callers can distinguish "not a response" (silently
// ignored) from genuinely malformed packets.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("dnssd: failed to parse mdns packet: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// errBadServiceType is returned when a service type string does not parse
// per the "_foo._tcp[,_sub1,_sub2]" grammar.
type errBadServiceType struct {
	Input string
}

func (e *errBadServiceType) Error() string {
	return fmt.Sprintf("dnssd: invalid service type %q", e.Input)
}

// errBadAttribute is returned when a TXT attribute key or key+value does
// not satisfy the DNS-SD TXT record constraints (RFC6763 6.4, 6.5).
type errBadAttribute struct {
	Key    string
	Reason string
}

func (e *errBadAttribute) Error() string {
	return fmt.Sprintf("dnssd: invalid attribute %q: %s", e.Key, e.Reason)
}

// DuplicateListenerError is returned by
// (*MultinetworkSocketClient).NotifyNetworkRequested when the caller
// reuses a listener token that is already registered.
type DuplicateListenerError struct {
	Listener ListenerToken
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("dnssd: listener %d already registered", e.Listener)
}

// UnknownListenerError reports a listener token that is not registered
// with the socket client. NotifyNetworkUnrequested does not return it: an
// unknown token is ignored there.
type UnknownListenerError struct {
	Listener ListenerToken
}

func (e *UnknownListenerError) Error() string {
	return fmt.Sprintf("dnssd: unknown listener %d", e.Listener)
}
