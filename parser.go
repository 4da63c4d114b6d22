package srp

import (
	"encoding/base64"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ecdsaP256SignatureSize is the wire size of an ECDSA P-256 signature
// (r and s, 32 bytes each).
const ecdsaP256SignatureSize = 64

// messageMetadata travels with one inbound update through parsing and
// commit: the decoded message, the raw datagram (SIG(0) verification
// hashes the original bytes), the receive time, the lease bounds in
// force when the message arrived, and the peer to answer. A nil peer
// marks an update that was not received directly from a client (a
// replicated one); those never get responses.
type messageMetadata struct {
	msg         *dns.Msg
	raw         []byte
	rxTime      time.Time
	leaseConfig LeaseConfig
	peer        *net.UDPAddr
	zoneClass   uint16
}

func (m *messageMetadata) directFromClient() bool { return m.peer != nil }

// processZoneSection validates the single zone record: it must name the
// domain this server is authoritative for and be an SOA.
func (s *Server) processZoneSection(m *messageMetadata) error {
	if len(m.msg.Question) != 1 {
		return ErrParse
	}
	zone := m.msg.Question[0]
	if !nameEqual(zone.Name, s.domain) {
		return ErrSecurity
	}
	if zone.Qtype != dns.TypeSOA {
		return ErrParse
	}
	m.zoneClass = zone.Qclass
	return nil
}

// processUpdateSection walks the Update section three times to build
// the candidate host, then checks the result against the registry for
// name conflicts. The pass order is load-bearing: service discovery
// first, so that by the time a "delete all RRsets" record is seen the
// parser can tell a service instance name from the host name.
func (s *Server) processUpdateSection(host *Host, m *messageMetadata) error {
	if err := s.processServiceDiscovery(host, m); err != nil {
		return err
	}
	if err := s.processHostDescription(host, m); err != nil {
		return err
	}
	if err := s.processServiceDescription(host, m); err != nil {
		return err
	}
	if s.reg.hasNameConflictsWith(host) {
		return ErrDuplicated
	}
	return nil
}

// processServiceDiscovery handles the PTR instructions. Every record
// owner in the Update section must sit under the server's domain; each
// PTR allocates a Service on the candidate host, deleted when the
// record class is NONE.
func (s *Server) processServiceDiscovery(host *Host, m *messageMetadata) error {
	for _, rr := range m.msg.Ns {
		if !nameEndsIn(rr.Header().Name, s.domain) {
			return ErrSecurity
		}

		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}

		if ptr.Hdr.Class != dns.ClassNONE && ptr.Hdr.Class != m.zoneClass {
			return ErrFailed
		}

		serviceName := ptr.Hdr.Name
		instanceName := ptr.Ptr

		// A sub-type owner reads "<sub-label>._sub.<base>.<domain>.";
		// the instance must belong to the base service either way.
		_, base, isSubType := splitSubType(serviceName)
		if !nameEndsIn(instanceName, base) {
			return ErrFailed
		}

		if host.findService(serviceName, instanceName) != nil {
			return ErrFailed
		}

		svc, err := host.addNewService(serviceName, instanceName, isSubType, m.rxTime)
		if err != nil {
			return err
		}
		// Class NONE is "delete an RR from an RRset": the client is
		// removing this service.
		svc.isDeleted = ptr.Hdr.Class == dns.ClassNONE
	}
	return nil
}

// processHostDescription handles AAAA, KEY and "delete all RRsets"
// records to establish the host name, its addresses and its key.
func (s *Server) processHostDescription(host *Host, m *messageMetadata) error {
	for _, rr := range m.msg.Ns {
		hdr := rr.Header()

		switch {
		case hdr.Class == dns.ClassANY:
			if !isValidDeleteAllRecord(rr) {
				return ErrFailed
			}
			// Applies to a service description when the name matches
			// one; otherwise it names (and clears) the host.
			if host.findServiceDescription(hdr.Name) == nil {
				if err := host.setFullName(hdr.Name); err != nil {
					return err
				}
				host.clearResources()
			}

		case hdr.Rrtype == dns.TypeAAAA:
			if hdr.Class != m.zoneClass {
				return ErrFailed
			}
			if err := host.setFullName(hdr.Name); err != nil {
				return err
			}
			aaaa := rr.(*dns.AAAA)
			if aaaa.AAAA == nil {
				return ErrParse
			}
			if err := host.addAddress(aaaa.AAAA); errors.Is(err, ErrNoBufs) {
				// Invalid and duplicate addresses are silently
				// dropped; only running out of slots fails the update.
				return err
			}

		case hdr.Rrtype == dns.TypeKEY:
			if hdr.Class != m.zoneClass {
				return ErrFailed
			}
			key := rr.(*dns.KEY)
			if key.Algorithm != dns.ECDSAP256SHA256 {
				return ErrParse
			}
			if host.key != nil && !keyEqual(host.key, key) {
				return ErrSecurity
			}
			host.key = key
		}
	}

	// The host description must be complete: a name and a key.
	if host.fullName == "" || host.key == nil {
		return ErrFailed
	}
	// The address count is checked after the lease option is parsed,
	// once we know whether the host is registering or being removed.
	return nil
}

// processServiceDescription handles SRV, TXT and per-instance
// "delete all RRsets" records, filling in the descriptions allocated by
// the discovery pass.
func (s *Server) processServiceDescription(host *Host, m *messageMetadata) error {
	for _, rr := range m.msg.Ns {
		hdr := rr.Header()

		if hdr.Class == dns.ClassANY {
			if !isValidDeleteAllRecord(rr) {
				return ErrFailed
			}
			if desc := host.findServiceDescription(hdr.Name); desc != nil {
				desc.clearResources()
				desc.updateTime = m.rxTime
			}
			continue
		}

		switch rec := rr.(type) {
		case *dns.SRV:
			if hdr.Class != m.zoneClass {
				return ErrFailed
			}
			if !nameEndsIn(hdr.Name, s.domain) {
				return ErrSecurity
			}
			if !nameEqual(rec.Target, host.fullName) {
				return ErrFailed
			}
			desc := host.findServiceDescription(hdr.Name)
			if desc == nil {
				return ErrFailed
			}
			// One SRV per description; port zero means none seen yet.
			if desc.port != 0 {
				return ErrFailed
			}
			desc.priority = rec.Priority
			desc.weight = rec.Weight
			desc.port = rec.Port
			desc.updateTime = m.rxTime

		case *dns.TXT:
			if hdr.Class != m.zoneClass {
				return ErrFailed
			}
			desc := host.findServiceDescription(hdr.Name)
			if desc == nil {
				return ErrFailed
			}
			if txtLength(rec.Txt) > s.limits.MaxTxtLength {
				return ErrNoBufs
			}
			desc.txt = rec.Txt
		}
	}

	// Every description named by this update must have been touched at
	// this receive time, and SRV and TXT arrive as a pair: either both
	// present or both absent.
	for _, desc := range host.descriptions {
		if !desc.updateTime.Equal(m.rxTime) {
			return ErrFailed
		}
		if (desc.port == 0) != (len(desc.txt) == 0) {
			return ErrFailed
		}
	}
	return nil
}

// processAdditionalSection expects exactly the Update-Lease OPT and the
// SIG(0), in that order, and verifies the signature against the KEY
// carried in the update itself.
func (s *Server) processAdditionalSection(host *Host, m *messageMetadata) error {
	if len(m.msg.Extra) != 2 {
		return ErrFailed
	}

	opt, ok := m.msg.Extra[0].(*dns.OPT)
	if !ok {
		return ErrFailed
	}
	var lease *dns.EDNS0_UL
	for _, o := range opt.Option {
		if ul, ok := o.(*dns.EDNS0_UL); ok {
			lease = ul
			break
		}
	}
	if lease == nil {
		return ErrFailed
	}
	host.lease = lease.Lease
	host.keyLease = lease.KeyLease

	// A host registering for a nonzero lease must be reachable.
	if host.lease > 0 && len(host.addresses) == 0 {
		return ErrFailed
	}

	sig, ok := m.msg.Extra[1].(*dns.SIG)
	if !ok {
		return ErrFailed
	}
	if sig.Algorithm != dns.ECDSAP256SHA256 {
		return ErrFailed
	}
	if sig.TypeCovered != 0 {
		return ErrFailed
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil || len(rawSig) != ecdsaP256SignatureSize {
		return ErrParse
	}

	// The codec hashes the SIG RDATA less the signature, the canonical
	// signer name, the header with the additional count decremented,
	// and the message body, then verifies against the update's own KEY.
	if err := sig.Verify(host.key, m.raw); err != nil {
		return ErrSecurity
	}
	return nil
}

// isValidDeleteAllRecord recognizes "delete all RRsets from a name":
// class ANY, type ANY, zero TTL, empty rdata. Anything else wearing
// class ANY is malformed.
func isValidDeleteAllRecord(rr dns.RR) bool {
	hdr := rr.Header()
	return hdr.Class == dns.ClassANY &&
		hdr.Rrtype == dns.TypeANY &&
		hdr.Ttl == 0 &&
		hdr.Rdlength == 0
}
