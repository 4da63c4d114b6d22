package srp

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliverRaw packs a hand-built message and feeds it to the server.
func deliverRaw(t *testing.T, f *fixture, msg *dns.Msg) {
	t.Helper()
	pkt, err := msg.Pack()
	require.NoError(t, err)
	f.deliver(pkt, testPeer)
}

// tamper round-trips a signed update through Unpack so individual
// records can be tampered with before delivery. The signature stops
// matching, which is usually the point.
func tamper(t *testing.T, pkt []byte, mutate func(msg *dns.Msg)) []byte {
	t.Helper()
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(pkt))
	mutate(msg)
	out, err := msg.Pack()
	require.NoError(t, err)
	return out
}

func TestWrongZoneRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	u := NewUpdate("somewhere.else.arpa.")
	u.Host("printer", net.ParseIP("fd00::1"))
	u.AddService("my-printer", "_ipps._tcp", 0, 0, 9100, []string{"rp=ipp"})
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)
	f.deliver(pkt, testPeer)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
	assert.Empty(t, f.srv.Hosts())
}

func TestZoneMustBeSOA(t *testing.T) {
	f := newFixture(t)

	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Question[0].Qtype = dns.TypeA
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeFormatError, f.lastResponse().Rcode)
}

func TestPrerequisitesRejected(t *testing.T) {
	f := newFixture(t)

	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Answer = append(msg.Answer, &dns.AAAA{
		Hdr:  dns.RR_Header{Name: "printer." + DefaultDomain, Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
		AAAA: net.ParseIP("fd00::1"),
	})
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestOutOfDomainOwnerRefused(t *testing.T) {
	f := newFixture(t)

	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Ns = append(msg.Ns, &dns.AAAA{
		Hdr:  dns.RR_Header{Name: "printer.unrelated.example.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
		AAAA: net.ParseIP("fd00::1"),
	})
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestMissingKeyRefused(t *testing.T) {
	f := newFixture(t)

	hostName := "printer." + DefaultDomain
	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Ns = append(msg.Ns,
		deleteAllRRsets(hostName),
		&dns.AAAA{
			Hdr:  dns.RR_Header{Name: hostName, Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
			AAAA: net.ParseIP("fd00::1"),
		})
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestMalformedDeleteAllRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	hostName := "printer." + DefaultDomain
	keyRR, err := KeyRecord(hostName, &key.PublicKey)
	require.NoError(t, err)

	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Ns = append(msg.Ns,
		// Class ANY with a nonzero TTL is not a valid delete-all.
		&dns.ANY{Hdr: dns.RR_Header{Name: hostName, Rrtype: dns.TypeANY, Class: dns.ClassANY, Ttl: 1}},
		keyRR)
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestSRVWithoutDiscoveryRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	hostName := "printer." + DefaultDomain
	keyRR, err := KeyRecord(hostName, &key.PublicKey)
	require.NoError(t, err)

	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Ns = append(msg.Ns,
		deleteAllRRsets(hostName),
		&dns.AAAA{
			Hdr:  dns.RR_Header{Name: hostName, Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
			AAAA: net.ParseIP("fd00::1"),
		},
		keyRR,
		// An SRV whose instance no PTR introduced.
		&dns.SRV{
			Hdr:    dns.RR_Header{Name: "ghost._ipps._tcp." + DefaultDomain, Rrtype: dns.TypeSRV, Class: dns.ClassINET},
			Port:   9100,
			Target: hostName,
		})
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestServiceWithoutResourcesRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	hostName := "printer." + DefaultDomain
	serviceName := "_ipps._tcp." + DefaultDomain
	instanceName := "my-printer." + serviceName
	keyRR, err := KeyRecord(hostName, &key.PublicKey)
	require.NoError(t, err)

	// A PTR introduces the instance but neither SRV/TXT nor a
	// delete-all ever touches its description.
	msg := new(dns.Msg)
	msg.SetUpdate(DefaultDomain)
	msg.Ns = append(msg.Ns,
		&dns.PTR{
			Hdr: dns.RR_Header{Name: serviceName, Rrtype: dns.TypePTR, Class: dns.ClassINET},
			Ptr: instanceName,
		},
		deleteAllRRsets(hostName),
		&dns.AAAA{
			Hdr:  dns.RR_Header{Name: hostName, Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
			AAAA: net.ParseIP("fd00::1"),
		},
		keyRR)
	deliverRaw(t, f, msg)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestTamperedMessageRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)
	other := newKey(t)

	pkt := printerUpdate(t, 1, key, 3600, 7200)

	// Swap the KEY record for a different key: tag and signature no
	// longer match.
	otherRR, err := KeyRecord("printer."+DefaultDomain, &other.PublicKey)
	require.NoError(t, err)
	forged := tamper(t, pkt, func(msg *dns.Msg) {
		for i, rr := range msg.Ns {
			if _, ok := rr.(*dns.KEY); ok {
				otherRR.Hdr = *rr.Header()
				msg.Ns[i] = otherRR
			}
		}
	})
	f.deliver(forged, testPeer)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
	assert.Empty(t, f.srv.Hosts())
}

func TestMissingLeaseOptionRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	pkt := printerUpdate(t, 1, key, 3600, 7200)
	truncated := tamper(t, pkt, func(msg *dns.Msg) {
		msg.Extra = msg.Extra[1:] // drop the OPT, keep the SIG
	})
	f.deliver(truncated, testPeer)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestWrongSignatureAlgorithmRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	pkt := printerUpdate(t, 1, key, 3600, 7200)
	forged := tamper(t, pkt, func(msg *dns.Msg) {
		for _, rr := range msg.Extra {
			if sig, ok := rr.(*dns.SIG); ok {
				sig.Algorithm = dns.ECDSAP384SHA384
			}
		}
	})
	f.deliver(forged, testPeer)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestLeaseWithoutAddressRefused(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	// A nonzero lease with no usable address is rejected.
	u := NewUpdate(DefaultDomain)
	u.Host("printer")
	u.SetLease(3600, 7200)
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)
	f.deliver(pkt, testPeer)

	assert.Equal(t, dns.RcodeRefused, f.lastResponse().Rcode)
}

func TestInvalidAddressesDroppedSilently(t *testing.T) {
	f := newFixture(t)
	key := newKey(t)

	// Loopback and multicast addresses vanish; the usable one remains
	// and the update succeeds.
	u := NewUpdate(DefaultDomain)
	u.Host("printer", net.ParseIP("::1"), net.ParseIP("ff02::1"), net.ParseIP("fd00::1"))
	u.AddService("my-printer", "_ipps._tcp", 0, 0, 9100, []string{"rp=ipp"})
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)
	f.deliver(pkt, testPeer)

	assert.Equal(t, dns.RcodeSuccess, f.lastResponse().Rcode)
	hosts := f.srv.Hosts()
	require.Len(t, hosts, 1)
	require.Len(t, hosts[0].Addresses(), 1)
	assert.True(t, hosts[0].Addresses()[0].Equal(net.ParseIP("fd00::1")))
}

func TestAddressOverflowFails(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxAddressesPerHost = 1
	f := newFixture(t, WithLimits(limits))
	key := newKey(t)

	u := NewUpdate(DefaultDomain)
	u.Host("printer", net.ParseIP("fd00::1"), net.ParseIP("fd00::2"))
	u.AddService("my-printer", "_ipps._tcp", 0, 0, 9100, []string{"rp=ipp"})
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)
	f.deliver(pkt, testPeer)

	assert.Equal(t, dns.RcodeServerFailure, f.lastResponse().Rcode)
	assert.Empty(t, f.srv.Hosts())
}
