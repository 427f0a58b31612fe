package dnssd

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// AdvertiserManagerCallback surfaces per-service events to the
// application, aggregated across every interface a service is bound to.
type AdvertiserManagerCallback interface {
	// OnServiceProbingSucceeded fires once probing has succeeded on
	// every interface the service was added to.
	OnServiceProbingSucceeded(serviceID int)

	// OnServiceConflict fires when an announced or active service's
	// records are contradicted on some interface. name is the service's
	// current instance name.
	OnServiceConflict(serviceID int, name string)

	// OnServiceRemoved fires once RemoveService has withdrawn the
	// service from every interface it was bound to.
	OnServiceRemoved(serviceID int)
}

// registeredService is the manager's view of one application-level
// service: which interfaces it's bound to, and the rename bookkeeping
// shared across all of them.
type registeredService struct {
	svc            Service
	ifaceNames     []string
	succeeded      map[string]bool
	probingNotified bool
	renameAttempts int
}

// AdvertiserManager is C8: one AdvertiserManager holds the set of
// InterfaceAdvertisers a registration spans, and is the boundary where
// per-interface Callback events (C7) are folded into per-service Callback
// events.
//
// Every exported method runs its body on the scheduler goroutine via
// Scheduler.PostSync (UpdateAddresses via Scheduler.Post, returning before
// the work runs), so it is safe to call from any goroutine other than the
// scheduler goroutine itself, where PostSync would block forever.
type AdvertiserManager struct {
	sched    *Scheduler
	cfg      Config
	provider SocketProvider
	cb       AdvertiserManagerCallback

	advertisers map[string]*InterfaceAdvertiser // interface name -> advertiser
	services    map[int]*registeredService
}

// NewAdvertiserManager creates a manager that creates per-interface
// sockets via provider and runs every state transition on sched.
func NewAdvertiserManager(sched *Scheduler, cfg Config, provider SocketProvider, cb AdvertiserManagerCallback) *AdvertiserManager {
	return &AdvertiserManager{
		sched:       sched,
		cfg:         cfg,
		provider:    provider,
		cb:          cb,
		advertisers: make(map[string]*InterfaceAdvertiser),
		services:    make(map[int]*registeredService),
	}
}

// AddService registers svc under id on every interface in ifaces,
// returning synchronously once probing has started everywhere (or failed
// everywhere). A DuplicateIDError or NameConflictError from any interface
// rolls back the interfaces already started and is returned to the
// caller; per-interface socket failures are logged and that interface is
// skipped.
func (m *AdvertiserManager) AddService(id int, svc Service, ifaces []*net.Interface) error {
	var result error
	m.sched.PostSync(func() {
		result = m.addService(id, svc, ifaces)
	})
	return result
}

func (m *AdvertiserManager) addService(id int, svc Service, ifaces []*net.Interface) error {
	if _, exists := m.services[id]; exists {
		return &DuplicateIDError{ServiceID: id}
	}
	reg := &registeredService{svc: svc, succeeded: make(map[string]bool)}
	started := make([]*InterfaceAdvertiser, 0, len(ifaces))
	for _, iface := range ifaces {
		a, err := m.advertiserFor(iface)
		if err != nil {
			dnssdlog.Warn.Printf("advertiser manager: interface %s unusable: %v", iface.Name, err)
			continue
		}
		if err := a.AddService(id, svc); err != nil {
			for _, sa := range started {
				_ = sa.RemoveService(id)
			}
			return err
		}
		started = append(started, a)
		reg.ifaceNames = append(reg.ifaceNames, a.InterfaceName())
	}
	if len(started) == 0 {
		return fmt.Errorf("dnssd: no usable interfaces for service %d", id)
	}
	m.services[id] = reg
	return nil
}

func (m *AdvertiserManager) advertiserFor(iface *net.Interface) (*InterfaceAdvertiser, error) {
	if a, ok := m.advertisers[iface.Name]; ok {
		return a, nil
	}
	sock, err := m.provider.CreateSocket(iface)
	if err != nil {
		return nil, err
	}
	a := NewInterfaceAdvertiser(m.sched, sock, m.cfg, &managerCallback{m: m})
	a.UpdateAddresses(interfaceAddrs(iface))
	sock.StartReceiving(func(pkt []byte, from net.Addr) {
		m.sched.Post(func() { m.dispatchPacket(a, pkt, from) })
	})
	m.advertisers[iface.Name] = a
	return a, nil
}

func (m *AdvertiserManager) dispatchPacket(a *InterfaceAdvertiser, pkt []byte, from net.Addr) {
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt); err != nil {
		dnssdlog.Warn.Printf("advertiser manager: failed to parse packet from %v on %s: %v", from, a.InterfaceName(), err)
		return
	}
	a.OnPacketReceived(msg, from)
}

// UpdateService replaces a service's subtype PTR set on every interface it
// is bound to.
func (m *AdvertiserManager) UpdateService(id int, subtypes []string) error {
	var result error
	m.sched.PostSync(func() {
		reg, ok := m.services[id]
		if !ok {
			result = &UnknownIDError{ServiceID: id}
			return
		}
		reg.svc.Subtypes = subtypes
		for _, name := range reg.ifaceNames {
			if a, ok := m.advertisers[name]; ok {
				if err := a.repo.UpdateService(id, subtypes); err != nil {
					dnssdlog.Warn.Printf("advertiser manager: update service %d on %s: %v", id, name, err)
				}
			}
		}
	})
	return result
}

// RemoveService withdraws id from every interface it is bound to. The
// manager fires OnServiceRemoved as soon as the withdrawal has started on
// every interface, before RemoveService returns; exit announcements that
// interfaces schedule may still be pending at that point.
func (m *AdvertiserManager) RemoveService(id int) error {
	var result error
	m.sched.PostSync(func() {
		reg, ok := m.services[id]
		if !ok {
			result = &UnknownIDError{ServiceID: id}
			return
		}
		for _, name := range reg.ifaceNames {
			if a, ok := m.advertisers[name]; ok {
				if err := a.RemoveService(id); err != nil {
					dnssdlog.Warn.Printf("advertiser manager: remove service %d on %s: %v", id, name, err)
				}
			}
		}
		delete(m.services, id)
		if m.cb != nil {
			m.cb.OnServiceRemoved(id)
		}
	})
	return result
}

// UpdateAddresses refreshes the host records advertised on iface from its
// current address set, re-announcing any active service's records.
func (m *AdvertiserManager) UpdateAddresses(iface *net.Interface) {
	m.sched.Post(func() {
		a, ok := m.advertisers[iface.Name]
		if !ok {
			return
		}
		a.Reset(interfaceAddrs(iface))
	})
}

// Close tears down every interface advertiser immediately, with no exit
// announcements. The scheduler passed to NewAdvertiserManager keeps
// running; stopping it is left to its owner.
func (m *AdvertiserManager) Close() {
	m.sched.PostSync(func() {
		for _, a := range m.advertisers {
			a.DestroyNow()
		}
	})
}

// managerCallback adapts AdvertiserCallback (C7) events into
// AdvertiserManagerCallback (C8) events, aggregating across interfaces.
type managerCallback struct{ m *AdvertiserManager }

func (c *managerCallback) OnRegisterServiceSucceeded(a *InterfaceAdvertiser, id int) {
	m := c.m
	reg, ok := m.services[id]
	if !ok {
		return
	}
	reg.succeeded[a.InterfaceName()] = true
	if reg.probingNotified || len(reg.succeeded) < len(reg.ifaceNames) {
		return
	}
	for _, name := range reg.ifaceNames {
		if !reg.succeeded[name] {
			return
		}
	}
	reg.probingNotified = true
	if m.cb != nil {
		m.cb.OnServiceProbingSucceeded(id)
	}
}

func (c *managerCallback) OnRenameNeeded(a *InterfaceAdvertiser, id int) (string, []string) {
	m := c.m
	reg, ok := m.services[id]
	if !ok {
		return "", nil
	}
	reg.renameAttempts++
	newName := fmt.Sprintf("%s (%d)", reg.svc.InstanceName, reg.renameAttempts+1)
	reg.svc.InstanceName = newName
	reg.probingNotified = false
	reg.succeeded = make(map[string]bool)

	fromIface := a.InterfaceName()
	for _, name := range reg.ifaceNames {
		if name == fromIface {
			continue
		}
		if other, ok := m.advertisers[name]; ok {
			if err := other.Rename(id, newName, reg.svc.Subtypes); err != nil {
				dnssdlog.Warn.Printf("advertiser manager: propagate rename of service %d to %s: %v", id, name, err)
			}
		}
	}
	return newName, reg.svc.Subtypes
}

func (c *managerCallback) OnServiceConflict(a *InterfaceAdvertiser, id int) {
	m := c.m
	reg, ok := m.services[id]
	if !ok || m.cb == nil {
		return
	}
	m.cb.OnServiceConflict(id, reg.svc.InstanceName)
}

func (c *managerCallback) OnDestroyed(a *InterfaceAdvertiser) {}
