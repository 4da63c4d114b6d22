// SRP client side: building and signing update messages. The server
// half of this package accepts what this half produces, but any
// conforming registrar traffic is handled the same way.
package srp

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Update accumulates one SRP registration: a host description, the
// services it publishes, and the requested lease pair. Sign produces
// the wire message.
type Update struct {
	domain   string
	hostName string
	addrs    []net.IP
	lease    uint32
	keyLease uint32
	services []updateService
}

type updateService struct {
	serviceName  string
	instanceName string
	remove       bool
	priority     uint16
	weight       uint16
	port         uint16
	txt          []string
	subType      bool
}

// NewUpdate starts an update for the given registration domain. The
// default requested lease pair is one hour and two hours; SetLease
// overrides it.
func NewUpdate(domain string) *Update {
	return &Update{
		domain:   dns.Fqdn(domain),
		lease:    3600,
		keyLease: 7200,
	}
}

// fqdn resolves a possibly relative name against the update's domain.
func (u *Update) fqdn(name string) string {
	if dns.IsFqdn(name) {
		return name
	}
	return fmt.Sprintf("%s.%s", trimDot(name), u.domain)
}

// Host sets the host name and its addresses. The name may be a bare
// label, completed with the update's domain.
func (u *Update) Host(name string, addrs ...net.IP) {
	u.hostName = u.fqdn(name)
	u.addrs = addrs
}

// SetLease sets the requested lease and key lease in seconds. A zero
// lease removes the registration; zero for both releases the name
// entirely.
func (u *Update) SetLease(lease, keyLease uint32) {
	u.lease = lease
	u.keyLease = keyLease
}

// AddService registers a service instance. service is the bare type
// ("_ipps._tcp") or its FQDN; instance is the instance label or the
// full instance name.
func (u *Update) AddService(instance, service string, priority, weight, port uint16, txt []string) {
	serviceName := u.fqdn(service)
	u.services = append(u.services, updateService{
		serviceName:  serviceName,
		instanceName: u.instanceName(instance, serviceName),
		priority:     priority,
		weight:       weight,
		port:         port,
		txt:          txt,
	})
}

// AddSubType registers a sub-type of a service added with AddService in
// the same update; the sub-type shares the base instance's SRV/TXT.
func (u *Update) AddSubType(subLabel, instance, service string) {
	base := u.fqdn(service)
	serviceName := fmt.Sprintf("%s%s%s", trimDot(subLabel), serviceSubTypeLabel, base)
	u.services = append(u.services, updateService{
		serviceName:  serviceName,
		instanceName: u.instanceName(instance, base),
		subType:      true,
	})
}

// RemoveService deletes a service instance while the rest of the
// registration stays as built.
func (u *Update) RemoveService(instance, service string) {
	serviceName := u.fqdn(service)
	u.services = append(u.services, updateService{
		serviceName:  serviceName,
		instanceName: u.instanceName(instance, serviceName),
		remove:       true,
	})
}

func (u *Update) instanceName(instance, serviceName string) string {
	if dns.IsFqdn(instance) {
		return instance
	}
	return fmt.Sprintf("%s.%s", trimDot(instance), serviceName)
}

// Sign assembles the update message and signs it with SIG(0). The KEY
// record carried in the message and the signature both derive from
// key, whose public half owns every name the update touches.
func (u *Update) Sign(msgID uint16, key *ecdsa.PrivateKey) ([]byte, error) {
	if u.hostName == "" {
		return nil, fmt.Errorf("update has no host")
	}

	keyRR, err := KeyRecord(u.hostName, &key.PublicKey)
	if err != nil {
		return nil, err
	}
	keyRR.Hdr.Ttl = u.lease

	msg := new(dns.Msg)
	msg.SetUpdate(u.domain)
	msg.Id = msgID

	// Service discovery instructions: one PTR per service, class NONE
	// when the service is being removed.
	for _, svc := range u.services {
		class := uint16(dns.ClassINET)
		ttl := u.lease
		if svc.remove {
			class = dns.ClassNONE
			ttl = 0
		}
		msg.Ns = append(msg.Ns, &dns.PTR{
			Hdr: dns.RR_Header{Name: svc.serviceName, Rrtype: dns.TypePTR, Class: class, Ttl: ttl},
			Ptr: svc.instanceName,
		})
	}

	// Host description: delete all RRsets at the host name, then the
	// fresh AAAA set and the KEY.
	msg.Ns = append(msg.Ns, deleteAllRRsets(u.hostName))
	for _, addr := range u.addrs {
		msg.Ns = append(msg.Ns, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: u.hostName, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: u.lease},
			AAAA: addr,
		})
	}
	msg.Ns = append(msg.Ns, keyRR)

	// Service descriptions: per instance, delete all RRsets then the
	// SRV/TXT pair. Sub-types share the base instance's description
	// and removals only clear it.
	for _, svc := range u.services {
		if svc.subType {
			continue
		}
		msg.Ns = append(msg.Ns, deleteAllRRsets(svc.instanceName))
		if svc.remove {
			continue
		}
		msg.Ns = append(msg.Ns, &dns.SRV{
			Hdr:      dns.RR_Header{Name: svc.instanceName, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: u.lease},
			Priority: svc.priority,
			Weight:   svc.weight,
			Port:     svc.port,
			Target:   u.hostName,
		})
		txt := svc.txt
		if len(txt) == 0 {
			txt = []string{""}
		}
		msg.Ns = append(msg.Ns, &dns.TXT{
			Hdr: dns.RR_Header{Name: svc.instanceName, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: u.lease},
			Txt: txt,
		})
	}

	// Additional section: the Update-Lease option, then the SIG(0)
	// appended by signing.
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(udpPayloadSize)
	opt.Option = append(opt.Option, &dns.EDNS0_UL{
		Code:     dns.EDNS0UL,
		Lease:    u.lease,
		KeyLease: u.keyLease,
	})
	msg.Extra = append(msg.Extra, opt)

	sig := new(dns.SIG)
	sig.Algorithm = dns.ECDSAP256SHA256
	sig.SignerName = u.hostName
	sig.KeyTag = keyRR.KeyTag()
	now := time.Now().Unix()
	sig.Inception = uint32(now - 300)
	sig.Expiration = uint32(now + 300)

	return sig.Sign(key, msg)
}

// KeyRecord encodes an ECDSA P-256 public key as the KEY record that
// owns name.
func KeyRecord(name string, pub *ecdsa.PublicKey) (*dns.KEY, error) {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil, fmt.Errorf("incomplete public key")
	}
	raw := make([]byte, 64)
	pub.X.FillBytes(raw[:32])
	pub.Y.FillBytes(raw[32:])

	key := new(dns.KEY)
	key.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeKEY, Class: dns.ClassINET}
	key.Flags = 0x0200
	key.Protocol = 3
	key.Algorithm = dns.ECDSAP256SHA256
	key.PublicKey = base64.StdEncoding.EncodeToString(raw)
	return key, nil
}

// deleteAllRRsets is the "delete all RRsets from a name" update record.
func deleteAllRRsets(name string) dns.RR {
	return &dns.ANY{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeANY, Class: dns.ClassANY, Ttl: 0},
	}
}
