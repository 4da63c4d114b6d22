package srp

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// Host is one registered SRP host: a fully qualified name, the IPv6
// addresses it answers on, the ECDSA P-256 key that owns the name, and
// the services it publishes. The registry owns live hosts; a candidate
// host built by the parser belongs to the parser until it is committed.
type Host struct {
	fullName     string
	addresses    []net.IP
	key          *dns.KEY
	lease        uint32 // seconds
	keyLease     uint32 // seconds
	updateTime   time.Time
	services     []*Service
	descriptions []*ServiceDescription
	limits       Limits
}

// Service is one (service name, instance name) pair published by a
// host. Sub-types are services of their own but share the base type's
// ServiceDescription. A deleted service keeps its name reserved until
// the key lease elapses.
type Service struct {
	serviceName string
	desc        *ServiceDescription
	isSubType   bool
	isDeleted   bool
	isCommitted bool
	updateTime  time.Time
}

// ServiceDescription is the per-instance SRV/TXT state shared by a base
// service and all its sub-types.
type ServiceDescription struct {
	instanceName string
	host         *Host // backlink for lookups only; never owns
	priority     uint16
	weight       uint16
	port         uint16
	txt          []string
	lease        uint32 // seconds
	keyLease     uint32 // seconds
	updateTime   time.Time
}

func newHost(limits Limits, updateTime time.Time) *Host {
	return &Host{limits: limits, updateTime: updateTime}
}

// FullName returns the host's fully qualified DNS name.
func (h *Host) FullName() string { return h.fullName }

// Addresses returns the host's IPv6 addresses.
func (h *Host) Addresses() []net.IP { return h.addresses }

// Key returns the KEY record that owns the host name.
func (h *Host) Key() *dns.KEY { return h.key }

// Lease returns the granted lease in seconds.
func (h *Host) Lease() uint32 { return h.lease }

// KeyLease returns the granted key lease in seconds.
func (h *Host) KeyLease() uint32 { return h.keyLease }

// Deleted reports whether the host has been removed but its name is
// still reserved by its key lease.
func (h *Host) Deleted() bool { return h.lease == 0 }

// Services returns the host's services, sub-types included.
func (h *Host) Services() []*Service { return h.services }

func (h *Host) expireTime() time.Time {
	return h.updateTime.Add(time.Duration(h.lease) * time.Second)
}

func (h *Host) keyExpireTime() time.Time {
	return h.updateTime.Add(time.Duration(h.keyLease) * time.Second)
}

// setFullName binds the host name on first use. The name is immutable
// afterwards: a second binding must refer to the same name.
func (h *Host) setFullName(name string) error {
	if h.fullName == "" {
		h.fullName = name
		return nil
	}
	if !nameEqual(h.fullName, name) {
		return ErrFailed
	}
	return nil
}

// clearResources drops the host's addresses. Names, key and services
// are left alone.
func (h *Host) clearResources() {
	h.addresses = nil
}

// addAddress appends an IPv6 address. Multicast, unspecified and
// loopback addresses cannot be used to reach the host and are dropped,
// as are duplicates; neither fails the update. Overflowing the address
// list does.
func (h *Host) addAddress(addr net.IP) error {
	if addr.IsMulticast() || addr.IsUnspecified() || addr.IsLoopback() {
		return ErrDrop
	}
	for _, existing := range h.addresses {
		if existing.Equal(addr) {
			return ErrDrop
		}
	}
	if len(h.addresses) >= h.limits.MaxAddressesPerHost {
		return ErrNoBufs
	}
	h.addresses = append(h.addresses, addr)
	return nil
}

func (h *Host) findService(serviceName, instanceName string) *Service {
	for _, svc := range h.services {
		if nameEqual(svc.serviceName, serviceName) && nameEqual(svc.desc.instanceName, instanceName) {
			return svc
		}
	}
	return nil
}

func (h *Host) findServiceDescription(instanceName string) *ServiceDescription {
	for _, desc := range h.descriptions {
		if nameEqual(desc.instanceName, instanceName) {
			return desc
		}
	}
	return nil
}

// addNewService allocates a service under the host, creating its
// description unless one already exists for the instance name (the
// sub-type case).
func (h *Host) addNewService(serviceName, instanceName string, isSubType bool, updateTime time.Time) (*Service, error) {
	if len(h.services) >= h.limits.MaxServicesPerHost {
		return nil, ErrNoBufs
	}

	desc := h.findServiceDescription(instanceName)
	if desc == nil {
		desc = &ServiceDescription{instanceName: instanceName, host: h}
		h.descriptions = append(h.descriptions, desc)
	}

	svc := &Service{
		serviceName: serviceName,
		desc:        desc,
		isSubType:   isSubType,
		updateTime:  updateTime,
	}
	h.services = append(h.services, svc)
	return svc, nil
}

// removeService marks a service deleted. Unless the name is retained it
// is dropped entirely, together with its description once no other
// service references it. Nil-safe.
func (h *Host) removeService(svc *Service, retainName bool) {
	if svc == nil {
		return
	}

	svc.isDeleted = true

	if retainName {
		return
	}
	for i, s := range h.services {
		if s == svc {
			h.services = append(h.services[:i], h.services[i+1:]...)
			break
		}
	}
	h.freeUnusedDescriptions()
}

// freeUnusedDescriptions drops descriptions no service references
// anymore.
func (h *Host) freeUnusedDescriptions() {
	kept := h.descriptions[:0]
	for _, desc := range h.descriptions {
		inUse := false
		for _, svc := range h.services {
			if svc.desc == desc {
				inUse = true
				break
			}
		}
		if inUse {
			kept = append(kept, desc)
		}
	}
	h.descriptions = kept
}

// merge folds a successfully parsed candidate into this (registered)
// host: addresses, key and leases are replaced wholesale, candidate
// services are adopted or allocated, and candidate deletions tombstone
// the matching services while their names live out the key lease.
// Services the candidate never mentioned are untouched.
func (h *Host) merge(from *Host, now time.Time) error {
	h.addresses = from.addresses
	h.key = from.key
	h.lease = from.lease
	h.keyLease = from.keyLease
	h.updateTime = now

	for _, svc := range from.services {
		existing := h.findService(svc.serviceName, svc.desc.instanceName)

		if svc.isDeleted {
			h.removeService(existing, true)
			continue
		}

		target := existing
		if target == nil {
			var err error
			target, err = h.addNewService(svc.serviceName, svc.desc.instanceName, svc.isSubType, svc.updateTime)
			if err != nil {
				return err
			}
		}

		target.isDeleted = false
		target.isCommitted = true
		target.updateTime = now

		// The description is shared by the base type and all its
		// sub-types; move resources only once, on the base type.
		if !svc.isSubType {
			target.desc.takeResourcesFrom(svc.desc, now)
		}
	}

	return nil
}

// ServiceName returns the full service name, sub-type infix included
// for sub-type services.
func (s *Service) ServiceName() string { return s.serviceName }

// InstanceName returns the service instance name.
func (s *Service) InstanceName() string { return s.desc.instanceName }

// IsSubType reports whether this service is a sub-type of another.
func (s *Service) IsSubType() bool { return s.isSubType }

// IsDeleted reports whether the service has been removed while its
// name remains reserved.
func (s *Service) IsDeleted() bool { return s.isDeleted }

// IsCommitted reports whether the service has been accepted into the
// registry (as opposed to still being parsed or pending a handler
// decision).
func (s *Service) IsCommitted() bool { return s.isCommitted }

// SubTypeLabel returns the label preceding the "._sub." infix, or ""
// for base-type services.
func (s *Service) SubTypeLabel() string {
	label, _, ok := splitSubType(s.serviceName)
	if !ok {
		return ""
	}
	return label
}

// Description returns the SRV/TXT state shared with this service's
// sibling sub-types.
func (s *Service) Description() *ServiceDescription { return s.desc }

func (s *Service) expireTime() time.Time {
	return s.updateTime.Add(time.Duration(s.desc.lease) * time.Second)
}

func (s *Service) keyExpireTime() time.Time {
	return s.updateTime.Add(time.Duration(s.desc.keyLease) * time.Second)
}

// InstanceName returns the service instance name this description
// belongs to.
func (d *ServiceDescription) InstanceName() string { return d.instanceName }

// Host returns the host publishing this description.
func (d *ServiceDescription) Host() *Host { return d.host }

// Priority returns the SRV priority.
func (d *ServiceDescription) Priority() uint16 { return d.priority }

// Weight returns the SRV weight.
func (d *ServiceDescription) Weight() uint16 { return d.weight }

// Port returns the SRV port; zero when the resources are cleared.
func (d *ServiceDescription) Port() uint16 { return d.port }

// Txt returns the TXT strings.
func (d *ServiceDescription) Txt() []string { return d.txt }

// clearResources drops the SRV/TXT payload while keeping the instance
// name reserved.
func (d *ServiceDescription) clearResources() {
	d.port = 0
	d.txt = nil
}

// takeResourcesFrom moves the SRV/TXT payload and leases over from a
// candidate description.
func (d *ServiceDescription) takeResourcesFrom(from *ServiceDescription, now time.Time) {
	d.priority = from.priority
	d.weight = from.weight
	d.port = from.port
	d.txt = from.txt
	d.lease = from.lease
	d.keyLease = from.keyLease
	d.updateTime = now
}

// keyEqual compares two KEY records for the purposes of name ownership:
// same flags, protocol, algorithm and public key.
func keyEqual(a, b *dns.KEY) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Flags == b.Flags &&
		a.Protocol == b.Protocol &&
		a.Algorithm == b.Algorithm &&
		a.PublicKey == b.PublicKey
}
