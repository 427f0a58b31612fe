package dnssd

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// unicastResponseBit is the top bit of a question's qclass requesting a
// unicast rather than multicast reply (RFC6762 5.4).
const unicastResponseBit = 1 << 15

// ProbingInfo is returned by SetServiceProbing: the question(s) to send with
// the probe and the authority-section records asserting what we intend to
// own.
type ProbingInfo struct {
	Questions []dns.Question
	Authority []dns.RR
}

// AnnouncementInfo is returned by OnProbingSucceeded, ExitService, and
// GetOffloadPacket: the answer and additional sections of a packet ready to
// send with flags 0x8400.
type AnnouncementInfo struct {
	Answers    []dns.RR
	Additional []dns.RR
}

// Reply is returned by GetReply: the answer and additional sections of a
// response, plus where to send it.
type Reply struct {
	// Unicast is true when every question in the incoming packet carried
	// the unicast-response bit, meaning the reply should target the
	// sender's address instead of the multicast group.
	Unicast bool

	Answers    []dns.RR
	Additional []dns.RR
}

// serviceRegistration holds every RecordInfo owned by one registered
// service, plus the bookkeeping the repository needs to find and order
// them.
type serviceRegistration struct {
	id           int
	svc          Service
	probing      bool
	exiting      bool
	instanceName string

	typePTR     *recordInfo
	srv         *recordInfo
	txt         *recordInfo
	enumPTR     *recordInfo
	subtypePTRs []*recordInfo
}

func newServiceRegistration(id int, svc Service, hostName string) *serviceRegistration {
	typeName := joinLabels(fullServiceType(svc.ServiceType))
	instanceName := joinLabels(fullInstanceName(svc.InstanceName, svc.ServiceType))
	enumName := joinLabels(dnsSDServiceType)

	reg := &serviceRegistration{
		id:           id,
		svc:          svc,
		probing:      true,
		instanceName: instanceName,
		typePTR: &recordInfo{
			rr:           newPTR(typeName, nonNameRecordsTTL, false, instanceName),
			serviceID:    id,
			isSharedName: true,
			isProbing:    true,
		},
		srv: &recordInfo{
			rr:        newSRV(instanceName, nameRecordsTTL, true, svc.Port, hostName),
			serviceID: id,
			isProbing: true,
		},
		txt: &recordInfo{
			rr:        newTXT(instanceName, nonNameRecordsTTL, true, svc.Attributes),
			serviceID: id,
			isProbing: true,
		},
		enumPTR: &recordInfo{
			rr:           newPTR(enumName, nonNameRecordsTTL, false, typeName),
			serviceID:    id,
			isSharedName: true,
			isProbing:    true,
		},
	}
	reg.subtypePTRs = buildSubtypePTRs(id, instanceName, svc.ServiceType, svc.Subtypes, true)
	return reg
}

func buildSubtypePTRs(id int, instanceName string, serviceType, subtypes []string, probing bool) []*recordInfo {
	out := make([]*recordInfo, 0, len(subtypes))
	for _, sub := range subtypes {
		name := joinLabels(subtypePTRName(sub, serviceType))
		out = append(out, &recordInfo{
			rr:           newPTR(name, nonNameRecordsTTL, false, instanceName),
			serviceID:    id,
			isSharedName: true,
			isProbing:    probing,
		})
	}
	return out
}

// records returns every RecordInfo owned by the service, in the order used
// for deterministic answer construction: type PTR, subtype PTRs, SRV, TXT,
// enumeration PTR.
func (s *serviceRegistration) records() []*recordInfo {
	out := make([]*recordInfo, 0, 4+len(s.subtypePTRs))
	out = append(out, s.typePTR)
	out = append(out, s.subtypePTRs...)
	out = append(out, s.srv, s.txt, s.enumPTR)
	return out
}

func (s *serviceRegistration) setProbing(probing bool) {
	s.probing = probing
	for _, ri := range s.records() {
		ri.isProbing = probing
	}
}

// RecordRepository is the authoritative model of one interface's general
// (host) records and registered services, and the generator of outgoing
// record sets and query replies.
//
// A RecordRepository is not safe for concurrent use; callers confine it to
// a single goroutine, normally the advertiser's scheduler (see Scheduler).
type RecordRepository struct {
	cfg      Config
	hostName string

	generalRecords []*recordInfo

	services     map[int]*serviceRegistration
	nameIndex    map[string]int // foldName(instance name) -> service id
	serviceOrder []int
}

// NewRecordRepository creates an empty repository with a freshly generated
// host name, unique for the lifetime of the returned value.
func NewRecordRepository(cfg Config) *RecordRepository {
	return &RecordRepository{
		cfg:       cfg.withDefaults(),
		hostName:  generateHostName(),
		services:  make(map[int]*serviceRegistration),
		nameIndex: make(map[string]int),
	}
}

func generateHostName() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		dnssdlog.Error.Printf("failed to generate host id, falling back to static id: %v", err)
	}
	return hex.EncodeToString(buf[:]) + "." + localTLD + "."
}

// HostName returns the repository's "<unique-host-id>.local." name.
func (r *RecordRepository) HostName() string {
	return r.hostName
}

// AddService registers a new service. If an exiting service already owns
// the instance name, it is displaced (removed outright) and its id is
// returned so the caller can cancel its exit announcement.
func (r *RecordRepository) AddService(id int, svc Service) (displacedID int, err error) {
	if _, exists := r.services[id]; exists {
		return noService, &DuplicateIDError{ServiceID: id}
	}
	if err := validateService(svc); err != nil {
		return noService, err
	}
	folded := foldName(svc.InstanceName)
	displacedID = noService
	if otherID, ok := r.nameIndex[folded]; ok {
		other := r.services[otherID]
		if !other.exiting {
			return noService, &NameConflictError{InstanceName: svc.InstanceName, ConflictingID: otherID}
		}
		r.removeServiceByID(otherID)
		displacedID = otherID
	}

	reg := newServiceRegistration(id, svc, r.hostName)
	r.services[id] = reg
	r.serviceOrder = append(r.serviceOrder, id)
	r.nameIndex[folded] = id
	return displacedID, nil
}

// UpdateService replaces a service's subtype PTR set.
func (r *RecordRepository) UpdateService(id int, subtypes []string) error {
	reg, ok := r.services[id]
	if !ok {
		return &UnknownIDError{ServiceID: id}
	}
	reg.subtypePTRs = buildSubtypePTRs(id, reg.instanceName, reg.svc.ServiceType, subtypes, reg.probing)
	reg.svc.Subtypes = subtypes
	return nil
}

// IsProbing reports whether the service is currently probing. Unknown ids
// report false.
func (r *RecordRepository) IsProbing(id int) bool {
	reg, ok := r.services[id]
	return ok && reg.probing
}

// SetServiceProbing resets the service's records to probing and returns the
// question and authority section for its probe queries.
func (r *RecordRepository) SetServiceProbing(id int) (ProbingInfo, error) {
	reg, ok := r.services[id]
	if !ok {
		return ProbingInfo{}, &UnknownIDError{ServiceID: id}
	}
	reg.setProbing(true)

	info := ProbingInfo{
		Questions: []dns.Question{
			{Name: reg.instanceName, Qtype: dns.TypeANY, Qclass: dns.ClassINET},
		},
		Authority: []dns.RR{dns.Copy(reg.srv.rr)},
	}
	if r.cfg.IncludeInetAddressInProbing {
		info.Questions = append(info.Questions, dns.Question{
			Name: r.hostName, Qtype: dns.TypeANY, Qclass: dns.ClassINET,
		})
		for _, hr := range r.hostAddressRecords() {
			info.Authority = append(info.Authority, dns.Copy(hr.rr))
		}
	}
	return info, nil
}

// OnProbingSucceeded clears probing and builds the announcement packet.
func (r *RecordRepository) OnProbingSucceeded(id int) (AnnouncementInfo, error) {
	reg, ok := r.services[id]
	if !ok {
		return AnnouncementInfo{}, &UnknownIDError{ServiceID: id}
	}
	reg.setProbing(false)
	answers := append(append([]*recordInfo{}, r.generalRecords...), reg.records()...)
	return AnnouncementInfo{
		Answers:    recordRRs(answers),
		Additional: nsecsForUniqueRecords(answers),
	}, nil
}

// ExitService marks the service exiting and returns a goodbye packet: the
// type PTR and subtype PTRs with TTL 0. The service-enumeration PTR, SRV,
// and TXT are intentionally not withdrawn individually; a peer that still
// holds them will let them expire naturally once the type PTR is gone.
func (r *RecordRepository) ExitService(id int) (AnnouncementInfo, error) {
	reg, ok := r.services[id]
	if !ok {
		return AnnouncementInfo{}, &UnknownIDError{ServiceID: id}
	}
	reg.exiting = true

	recs := append([]*recordInfo{reg.typePTR}, reg.subtypePTRs...)
	answers := make([]dns.RR, 0, len(recs))
	for _, ri := range recs {
		answers = append(answers, goodbye(ri.rr))
	}
	return AnnouncementInfo{Answers: answers}, nil
}

// RemoveService purges a service outright, with no exit announcement.
func (r *RecordRepository) RemoveService(id int) error {
	if _, ok := r.services[id]; !ok {
		return &UnknownIDError{ServiceID: id}
	}
	r.removeServiceByID(id)
	return nil
}

func (r *RecordRepository) removeServiceByID(id int) {
	reg, ok := r.services[id]
	if !ok {
		return
	}
	delete(r.services, id)
	delete(r.nameIndex, foldName(reg.svc.InstanceName))
	for i, sid := range r.serviceOrder {
		if sid == id {
			r.serviceOrder = append(r.serviceOrder[:i], r.serviceOrder[i+1:]...)
			break
		}
	}
}

// RenameService replaces a service's instance name and subtype set in
// place, preserving its id. It is used to resolve a name conflict detected
// while probing or announcing: the caller picks newName and calls
// RenameService, then the interface advertiser restarts probing under the
// new name.
func (r *RecordRepository) RenameService(id int, newName string, newSubtypes []string) error {
	reg, ok := r.services[id]
	if !ok {
		return &UnknownIDError{ServiceID: id}
	}
	svc := reg.svc
	svc.InstanceName = newName
	svc.Subtypes = newSubtypes
	r.removeServiceByID(id)
	_, err := r.AddService(id, svc)
	return err
}

// ClearServices purges every service and returns their ids.
func (r *RecordRepository) ClearServices() []int {
	ids := append([]int(nil), r.serviceOrder...)
	r.services = make(map[int]*serviceRegistration)
	r.nameIndex = make(map[string]int)
	r.serviceOrder = nil
	return ids
}

// UpdateAddresses replaces the repository's general records (reverse-DNS
// PTRs and host A/AAAA records) with the set derived from addrs.
func (r *RecordRepository) UpdateAddresses(addrs []net.IP) {
	var reverse, v4, v6 []*recordInfo
	for _, addr := range addrs {
		name, err := getReverseDNSAddress(addr)
		if err != nil {
			dnssdlog.Warn.Printf("skipping address with no reverse mapping: %v", err)
			continue
		}
		reverse = append(reverse, &recordInfo{
			rr:        newPTR(name, nameRecordsTTL, true, r.hostName),
			serviceID: noService,
		})
		addrRec := &recordInfo{
			rr:        newAddressRecord(r.hostName, nameRecordsTTL, true, addr),
			serviceID: noService,
		}
		if addr.To4() != nil {
			v4 = append(v4, addrRec)
		} else {
			v6 = append(v6, addrRec)
		}
	}
	general := make([]*recordInfo, 0, len(reverse)+len(v4)+len(v6))
	general = append(general, reverse...)
	general = append(general, v4...)
	general = append(general, v6...)
	r.generalRecords = general
}

func (r *RecordRepository) hostAddressRecords() []*recordInfo {
	var out []*recordInfo
	for _, ri := range r.generalRecords {
		if isAddressRecordType(ri.rr) {
			out = append(out, ri)
		}
	}
	return out
}

func (r *RecordRepository) allRecords() []*recordInfo {
	out := make([]*recordInfo, 0, len(r.generalRecords)+4*len(r.serviceOrder))
	out = append(out, r.generalRecords...)
	for _, id := range r.serviceOrder {
		out = append(out, r.services[id].records()...)
	}
	return out
}

func (r *RecordRepository) serviceOwning(ri *recordInfo) *serviceRegistration {
	if ri.serviceID == noService {
		return nil
	}
	return r.services[ri.serviceID]
}

func matchesAnyQuestion(rr dns.RR, qs []dns.Question) bool {
	for _, q := range qs {
		if !namesEqual(q.Name, rr.Header().Name) {
			continue
		}
		if q.Qtype == dns.TypeANY || q.Qtype == rr.Header().Rrtype {
			return true
		}
	}
	return false
}

// GetReply answers an incoming query, or returns nil if there is nothing to
// answer (including the case where known-answer suppression drops every
// candidate). srcAddr is not inspected here; callers use Reply.Unicast to
// decide the destination.
func (r *RecordRepository) GetReply(incoming *dns.Msg, srcAddr net.Addr) *Reply {
	if incoming == nil || len(incoming.Question) == 0 {
		return nil
	}

	var matched []*recordInfo
	matchedSet := make(map[*recordInfo]bool)
	for _, ri := range r.allRecords() {
		if ri.isProbing {
			continue
		}
		if !matchesAnyQuestion(ri.rr, incoming.Question) {
			continue
		}
		matchedSet[ri] = true
		matched = append(matched, ri)
	}

	if r.cfg.KnownAnswerSuppressionEnabled {
		matched = suppressKnownAnswers(matched, incoming.Answer)
		if len(matched) == 0 {
			return nil
		}
		matchedSet = make(map[*recordInfo]bool, len(matched))
		for _, ri := range matched {
			matchedSet[ri] = true
		}
	}

	var additional []*recordInfo
	additionalSet := make(map[*recordInfo]bool)
	addAdditional := func(ri *recordInfo) {
		if ri == nil || matchedSet[ri] || additionalSet[ri] {
			return
		}
		additionalSet[ri] = true
		additional = append(additional, ri)
	}
	for _, ri := range matched {
		switch ri.rr.(type) {
		case *dns.PTR:
			if reg := r.serviceOwning(ri); reg != nil {
				addAdditional(reg.srv)
				addAdditional(reg.txt)
				for _, hr := range r.hostAddressRecords() {
					addAdditional(hr)
				}
			}
		case *dns.SRV:
			for _, hr := range r.hostAddressRecords() {
				addAdditional(hr)
			}
		}
	}

	nsecSource := make([]*recordInfo, 0, len(matched)+len(additional))
	nsecSource = append(nsecSource, matched...)
	nsecSource = append(nsecSource, additional...)

	additionalRRs := recordRRs(additional)
	additionalRRs = append(additionalRRs, nsecsForUniqueRecords(nsecSource)...)

	return &Reply{
		Unicast:    allQuestionsWantUnicast(incoming.Question),
		Answers:    recordRRs(matched),
		Additional: additionalRRs,
	}
}

func allQuestionsWantUnicast(qs []dns.Question) bool {
	for _, q := range qs {
		if q.Qclass&unicastResponseBit == 0 {
			return false
		}
	}
	return true
}

// suppressKnownAnswers drops matched records already known to the querier:
// same name (case-insensitive) and type, with a known-answer TTL at least
// half the repository's TTL for that record. The comparison
// truncates toward zero, matching Go's integer division.
func suppressKnownAnswers(matched []*recordInfo, known []dns.RR) []*recordInfo {
	out := matched[:0]
	for _, ri := range matched {
		if !isKnownAnswer(ri, known) {
			out = append(out, ri)
		}
	}
	return out
}

func isKnownAnswer(ri *recordInfo, known []dns.RR) bool {
	for _, k := range known {
		if k.Header().Rrtype != ri.rr.Header().Rrtype {
			continue
		}
		if !namesEqual(k.Header().Name, ri.rr.Header().Name) {
			continue
		}
		peerTTLMillis := int64(k.Header().Ttl) * 1000
		if peerTTLMillis >= ttlMillis(ri.rr)/2 {
			return true
		}
	}
	return false
}

// nsecsForUniqueRecords groups the unique-name records among recs by
// case-folded name, preserving first-occurrence order, and emits one NSEC
// per group.
func nsecsForUniqueRecords(recs []*recordInfo) []dns.RR {
	type group struct {
		name  string
		ttl   uint32
		types []uint16
		seen  map[uint16]bool
	}
	order := make([]string, 0, len(recs))
	groups := make(map[string]*group, len(recs))

	for _, ri := range recs {
		if ri.isSharedName {
			continue
		}
		hdr := ri.rr.Header()
		key := foldName(hdr.Name)
		g, ok := groups[key]
		if !ok {
			g = &group{name: hdr.Name, ttl: hdr.Ttl, seen: make(map[uint16]bool)}
			groups[key] = g
			order = append(order, key)
		}
		if hdr.Ttl < g.ttl {
			g.ttl = hdr.Ttl
		}
		if !g.seen[hdr.Rrtype] {
			g.seen[hdr.Rrtype] = true
			g.types = append(g.types, hdr.Rrtype)
		}
	}

	nsecs := make([]dns.RR, 0, len(order))
	for _, key := range order {
		g := groups[key]
		types := append([]uint16(nil), g.types...)
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		nsecs = append(nsecs, newNSEC(g.name, time.Duration(g.ttl)*time.Second, types))
	}
	return nsecs
}

func recordRRs(recs []*recordInfo) []dns.RR {
	out := make([]dns.RR, 0, len(recs))
	for _, ri := range recs {
		out = append(out, dns.Copy(ri.rr))
	}
	return out
}

// GetConflictingServices returns the ids of services whose unique records
// are contradicted by the incoming packet's answer section.
func (r *RecordRepository) GetConflictingServices(incoming *dns.Msg) []int {
	conflicts := make(map[int]bool)
	for _, rr := range incoming.Answer {
		if rr.Header().Ttl == 0 {
			continue
		}
		folded := foldName(rr.Header().Name)
		for _, ri := range r.allRecords() {
			if ri.isSharedName || ri.serviceID == noService {
				continue
			}
			if foldName(ri.rr.Header().Name) != folded {
				continue
			}
			if ri.rr.Header().Rrtype != rr.Header().Rrtype {
				continue
			}
			if dns.IsDuplicate(ri.rr, rr) {
				continue
			}
			conflicts[ri.serviceID] = true
		}
	}
	ids := make([]int, 0, len(conflicts))
	for id := range conflicts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GetOffloadPacket returns the same answer/additional sections an
// OnProbingSucceeded announcement would carry, without mutating any
// service's probing state, for replay by a hardware offload engine.
func (r *RecordRepository) GetOffloadPacket(id int) (AnnouncementInfo, error) {
	reg, ok := r.services[id]
	if !ok {
		return AnnouncementInfo{}, &UnknownIDError{ServiceID: id}
	}
	answers := append(append([]*recordInfo{}, r.generalRecords...), reg.records()...)
	return AnnouncementInfo{
		Answers:    recordRRs(answers),
		Additional: nsecsForUniqueRecords(answers),
	}, nil
}

// GetReverseDNSAddress exposes the reverse-mapping name computation used
// internally by UpdateAddresses.
func (r *RecordRepository) GetReverseDNSAddress(addr net.IP) (string, error) {
	return getReverseDNSAddress(addr)
}
