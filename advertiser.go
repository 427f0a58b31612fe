package dnssd

import (
	"net"

	"github.com/miekg/dns"
)

// AdvertiserCallback receives per-service lifecycle events from one
// InterfaceAdvertiser. The advertiser manager (C8) is the only implementation in
// this package; it aggregates these per-interface events across every
// advertiser a service is bound to.
type AdvertiserCallback interface {
	// OnRegisterServiceSucceeded fires once probing completes without
	// conflict, just before the announcement sequence is started.
	OnRegisterServiceSucceeded(a *InterfaceAdvertiser, serviceID int)

	// OnRenameNeeded fires when a peer's probe response contradicts our
	// tentative records. The callback picks a replacement name (and
	// subtype set) for the service; returning an empty name aborts
	// probing for serviceID.
	OnRenameNeeded(a *InterfaceAdvertiser, serviceID int) (newName string, newSubtypes []string)

	// OnServiceConflict fires when an announced or active service's
	// unique records are contradicted by a peer. The caller decides
	// whether to rename (via Rename) or remove the service.
	OnServiceConflict(a *InterfaceAdvertiser, serviceID int)

	// OnDestroyed fires once the advertiser has torn down every service
	// it held.
	OnDestroyed(a *InterfaceAdvertiser)
}

// serviceState is a service's position in the per-service FSM
// (the PROBING/ANNOUNCING/ACTIVE/EXITING states; the implicit
// absent and DESTROYED states are "not present in a.states" and "Destroy
// has fired OnDestroyed", respectively).
type serviceState int

const (
	stateProbing serviceState = iota
	stateAnnouncing
	stateActive
	stateExiting
)

// InterfaceAdvertiser is C7: a state machine over one (socket, record
// repository) pair, orchestrating the prober (C4) and announcer (C5)
// against the repository (C6) for every service bound to this interface.
// It is owned exclusively by its AdvertiserManager and, like
// RecordRepository, must only be touched from the scheduler goroutine.
type InterfaceAdvertiser struct {
	sched *Scheduler
	cfg   Config
	sock  MulticastSocket
	repo  *RecordRepository
	cb    AdvertiserCallback

	sender    *ReplySender
	prober    *Prober
	announcer *Announcer

	states     map[int]serviceState
	destroying bool
	destroyed  bool
}

// NewInterfaceAdvertiser creates an advertiser bound to sock, with its own
// exclusively-owned RecordRepository. cb receives lifecycle callbacks; it
// is typically the owning AdvertiserManager.
func NewInterfaceAdvertiser(sched *Scheduler, sock MulticastSocket, cfg Config, cb AdvertiserCallback) *InterfaceAdvertiser {
	a := &InterfaceAdvertiser{
		sched:  sched,
		cfg:    cfg.withDefaults(),
		sock:   sock,
		repo:   NewRecordRepository(cfg),
		cb:     cb,
		sender: NewReplySender(),
		states: make(map[int]serviceState),
	}
	a.prober = NewProber(sched, func(id int, pkt []byte) error {
		return a.sender.SendMulticast(a.sock, pkt)
	})
	a.announcer = NewAnnouncer(sched, func(id int, pkt []byte) error {
		return a.sender.SendMulticast(a.sock, pkt)
	})
	return a
}

// InterfaceName returns the name of the network interface this advertiser
// is bound to.
func (a *InterfaceAdvertiser) InterfaceName() string { return a.sock.Interface().Name }

// UpdateAddresses replaces the repository's general (host) records from
// the interface's current address set.
func (a *InterfaceAdvertiser) UpdateAddresses(addrs []net.IP) {
	a.repo.UpdateAddresses(addrs)
}

// Reset re-derives the repository's host records from addrs and
// re-announces every active service's full record set, without a fresh
// probe cycle (the service's unique instance name hasn't changed, only the
// address records it points at).
func (a *InterfaceAdvertiser) Reset(addrs []net.IP) {
	a.repo.UpdateAddresses(addrs)
	for id, state := range a.states {
		if state != stateActive {
			continue
		}
		info, err := a.repo.GetOffloadPacket(id)
		if err != nil {
			continue
		}
		pkt, err := a.sender.Pack(buildAnnouncement(info))
		if err != nil {
			dnssdlog.Error.Printf("interface %s: failed to pack reset announcement for service %d: %v", a.InterfaceName(), id, err)
			continue
		}
		a.states[id] = stateAnnouncing
		a.announcer.Announce(id, pkt, a.cfg, func(id int) { a.onAnnouncementsFinished(id) })
	}
}

// AddService registers svc under id and begins probing it. If svc's
// instance name was held by an exiting service, that service is displaced
// (its timers cancelled) before probing begins.
func (a *InterfaceAdvertiser) AddService(id int, svc Service) error {
	displaced, err := a.repo.AddService(id, svc)
	if err != nil {
		return err
	}
	if displaced != noService {
		a.cancelTimers(displaced)
		delete(a.states, displaced)
	}
	a.startProbing(id)
	return nil
}

func (a *InterfaceAdvertiser) startProbing(id int) {
	info, err := a.repo.SetServiceProbing(id)
	if err != nil {
		dnssdlog.Error.Printf("interface %s: set probing for service %d: %v", a.InterfaceName(), id, err)
		return
	}
	pkt, err := a.sender.Pack(buildProbeQuery(info))
	if err != nil {
		dnssdlog.Error.Printf("interface %s: pack probe for service %d: %v", a.InterfaceName(), id, err)
		return
	}
	a.states[id] = stateProbing
	a.prober.Start(id, pkt, a.cfg, func(id int) { a.onProbingFinished(id) })
}

func (a *InterfaceAdvertiser) onProbingFinished(id int) {
	if a.states[id] != stateProbing {
		return // Stopped, removed, or renamed out from under us.
	}
	info, err := a.repo.OnProbingSucceeded(id)
	if err != nil {
		dnssdlog.Error.Printf("interface %s: on probing succeeded for service %d: %v", a.InterfaceName(), id, err)
		return
	}
	a.states[id] = stateAnnouncing
	if a.cb != nil {
		a.cb.OnRegisterServiceSucceeded(a, id)
	}
	pkt, err := a.sender.Pack(buildAnnouncement(info))
	if err != nil {
		dnssdlog.Error.Printf("interface %s: pack announcement for service %d: %v", a.InterfaceName(), id, err)
		return
	}
	a.announcer.Announce(id, pkt, a.cfg, func(id int) { a.onAnnouncementsFinished(id) })
}

func (a *InterfaceAdvertiser) onAnnouncementsFinished(id int) {
	if a.states[id] == stateAnnouncing {
		a.states[id] = stateActive
	}
}

// RemoveService withdraws id. During PROBING this simply cancels the
// probe, with no exit announcement; otherwise it sends a one-shot TTL=0
// exit announcement (delayed by cfg.ExitAnnouncementDelay) before purging
// the service from the repository.
func (a *InterfaceAdvertiser) RemoveService(id int) error {
	state, ok := a.states[id]
	if !ok {
		return &UnknownIDError{ServiceID: id}
	}
	a.cancelTimers(id)

	if state == stateProbing {
		delete(a.states, id)
		return a.repo.RemoveService(id)
	}

	info, err := a.repo.ExitService(id)
	if err != nil {
		delete(a.states, id)
		return err
	}
	pkt, err := a.sender.Pack(buildAnnouncement(info))
	if err != nil {
		delete(a.states, id)
		return err
	}
	a.states[id] = stateExiting
	a.announcer.Exit(id, pkt, a.cfg, func(id int) { a.onExitFinished(id) })
	return nil
}

func (a *InterfaceAdvertiser) onExitFinished(id int) {
	delete(a.states, id)
	if err := a.repo.RemoveService(id); err != nil {
		dnssdlog.Error.Printf("interface %s: remove service %d after exit: %v", a.InterfaceName(), id, err)
	}
	if a.destroying && len(a.states) == 0 {
		a.finishDestroy()
	}
}

func (a *InterfaceAdvertiser) cancelTimers(id int) {
	a.prober.Stop(id)
	a.announcer.Stop(id)
}

// Rename re-registers id under newName/newSubtypes, restarting probing
// (whatever the service's current state) so peers see a fresh probe under
// the new name. It is called by the advertiser manager to propagate a
// rename decided for a conflict seen on a different interface, so the
// service's instance name stays consistent across every interface it's
// bound to.
func (a *InterfaceAdvertiser) Rename(id int, newName string, newSubtypes []string) error {
	if _, ok := a.states[id]; !ok {
		return &UnknownIDError{ServiceID: id}
	}
	a.cancelTimers(id)
	if err := a.repo.RenameService(id, newName, newSubtypes); err != nil {
		delete(a.states, id)
		return err
	}
	a.startProbing(id)
	return nil
}

// OnPacketReceived feeds an incoming, already-decoded packet into the
// advertiser: queries are answered via the record repository and C2;
// responses are checked for conflicts against every probing, announcing,
// or active service.
func (a *InterfaceAdvertiser) OnPacketReceived(msg *dns.Msg, srcAddr net.Addr) {
	if !msg.Response {
		a.handleQuery(msg, srcAddr)
		return
	}
	for _, id := range a.repo.GetConflictingServices(msg) {
		a.handleConflict(id)
	}
}

func (a *InterfaceAdvertiser) handleQuery(msg *dns.Msg, srcAddr net.Addr) {
	reply := a.repo.GetReply(msg, srcAddr)
	if reply == nil {
		return
	}
	if err := a.sender.SendReply(a.sock, *reply, srcAddr); err != nil {
		dnssdlog.Error.Printf("interface %s: send reply: %v", a.InterfaceName(), err)
	}
}

func (a *InterfaceAdvertiser) handleConflict(id int) {
	state, ok := a.states[id]
	if !ok {
		return
	}
	switch state {
	case stateProbing:
		a.prober.Stop(id)
		var newName string
		var newSubtypes []string
		if a.cb != nil {
			newName, newSubtypes = a.cb.OnRenameNeeded(a, id)
		}
		if newName == "" {
			delete(a.states, id)
			_ = a.repo.RemoveService(id)
			return
		}
		if err := a.repo.RenameService(id, newName, newSubtypes); err != nil {
			dnssdlog.Error.Printf("interface %s: rename service %d after conflict: %v", a.InterfaceName(), id, err)
			return
		}
		a.startProbing(id)
	case stateAnnouncing, stateActive:
		if a.cb != nil {
			a.cb.OnServiceConflict(a, id)
		}
	}
}

// Destroy gracefully withdraws every service held by this advertiser, then
// fires OnDestroyed once the last exit announcement completes (or
// immediately, if no services were registered).
func (a *InterfaceAdvertiser) Destroy() {
	if a.destroyed {
		return
	}
	ids := make([]int, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		a.finishDestroy()
		return
	}
	a.destroying = true
	for _, id := range ids {
		if err := a.RemoveService(id); err != nil {
			dnssdlog.Error.Printf("interface %s: remove service %d during destroy: %v", a.InterfaceName(), id, err)
		}
	}
	if len(a.states) == 0 {
		// Every service was still probing: none has an exit to wait for.
		a.finishDestroy()
	}
}

// DestroyNow tears down every service immediately, with no exit
// announcements, then fires OnDestroyed.
func (a *InterfaceAdvertiser) DestroyNow() {
	if a.destroyed {
		return
	}
	for id := range a.states {
		a.cancelTimers(id)
	}
	a.states = make(map[int]serviceState)
	a.repo.ClearServices()
	a.finishDestroy()
}

func (a *InterfaceAdvertiser) finishDestroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	if a.cb != nil {
		a.cb.OnDestroyed(a)
	}
}

// IsProbing reports whether id is currently probing on this interface.
func (a *InterfaceAdvertiser) IsProbing(id int) bool {
	return a.states[id] == stateProbing
}
