package srp

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateBuilderWireShape(t *testing.T) {
	key := newKey(t)

	u := NewUpdate(DefaultDomain)
	u.Host("printer", net.ParseIP("fd00::1"))
	u.AddService("my-printer", "_ipps._tcp", 0, 0, 9100, []string{"rp=ipp/print"})
	u.SetLease(3600, 7200)
	pkt, err := u.Sign(42, key)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(pkt))

	assert.Equal(t, uint16(42), msg.Id)
	assert.Equal(t, dns.OpcodeUpdate, msg.Opcode)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, DefaultDomain, msg.Question[0].Name)
	assert.Equal(t, dns.TypeSOA, msg.Question[0].Qtype)
	assert.Empty(t, msg.Answer)

	// Update section: PTR, host delete-all + AAAA + KEY, then the
	// instance delete-all + SRV + TXT.
	types := make([]uint16, 0, len(msg.Ns))
	for _, rr := range msg.Ns {
		types = append(types, rr.Header().Rrtype)
	}
	assert.Equal(t, []uint16{
		dns.TypePTR,
		dns.TypeANY, dns.TypeAAAA, dns.TypeKEY,
		dns.TypeANY, dns.TypeSRV, dns.TypeTXT,
	}, types)

	// Additional section: the lease option, then the SIG(0).
	require.Len(t, msg.Extra, 2)
	opt, ok := msg.Extra[0].(*dns.OPT)
	require.True(t, ok)
	require.Len(t, opt.Option, 1)
	ul, ok := opt.Option[0].(*dns.EDNS0_UL)
	require.True(t, ok)
	assert.Equal(t, uint32(3600), ul.Lease)
	assert.Equal(t, uint32(7200), ul.KeyLease)

	sig, ok := msg.Extra[1].(*dns.SIG)
	require.True(t, ok)
	assert.Equal(t, uint8(dns.ECDSAP256SHA256), sig.Algorithm)
	assert.Equal(t, uint16(0), sig.TypeCovered)
	assert.Equal(t, "printer."+DefaultDomain, sig.SignerName)

	// The signature verifies against the KEY carried in the update.
	var keyRR *dns.KEY
	for _, rr := range msg.Ns {
		if k, ok := rr.(*dns.KEY); ok {
			keyRR = k
		}
	}
	require.NotNil(t, keyRR)
	assert.Equal(t, sig.KeyTag, keyRR.KeyTag())
	assert.NoError(t, sig.Verify(keyRR, pkt))
}

func TestUpdateBuilderRemoval(t *testing.T) {
	key := newKey(t)

	u := NewUpdate(DefaultDomain)
	u.Host("printer")
	u.SetLease(0, 7200)
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(pkt))

	// Just the delete-all and the KEY that keeps the name reserved.
	require.Len(t, msg.Ns, 2)
	assert.Equal(t, uint16(dns.TypeANY), msg.Ns[0].Header().Rrtype)
	assert.Equal(t, uint16(dns.TypeKEY), msg.Ns[1].Header().Rrtype)

	opt := msg.Extra[0].(*dns.OPT)
	ul := opt.Option[0].(*dns.EDNS0_UL)
	assert.Equal(t, uint32(0), ul.Lease)
	assert.Equal(t, uint32(7200), ul.KeyLease)
}

func TestUpdateBuilderServiceRemoval(t *testing.T) {
	key := newKey(t)

	u := NewUpdate(DefaultDomain)
	u.Host("printer", net.ParseIP("fd00::1"))
	u.RemoveService("my-web", "_http._tcp")
	pkt, err := u.Sign(1, key)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(pkt))

	var ptr *dns.PTR
	for _, rr := range msg.Ns {
		if p, ok := rr.(*dns.PTR); ok {
			ptr = p
		}
	}
	require.NotNil(t, ptr)
	assert.Equal(t, uint16(dns.ClassNONE), ptr.Hdr.Class)
	assert.Equal(t, uint32(0), ptr.Hdr.Ttl)
	assert.Equal(t, "my-web._http._tcp."+DefaultDomain, ptr.Ptr)

	// The removal clears the instance's description but sends no new
	// SRV/TXT.
	for _, rr := range msg.Ns {
		assert.NotEqual(t, uint16(dns.TypeSRV), rr.Header().Rrtype)
		assert.NotEqual(t, uint16(dns.TypeTXT), rr.Header().Rrtype)
	}
}

func TestUpdateBuilderRequiresHost(t *testing.T) {
	key := newKey(t)
	u := NewUpdate(DefaultDomain)
	_, err := u.Sign(1, key)
	assert.Error(t, err)
}

func TestKeyRecord(t *testing.T) {
	key := newKey(t)

	rr, err := KeyRecord("printer."+DefaultDomain, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, uint8(dns.ECDSAP256SHA256), rr.Algorithm)
	assert.Equal(t, uint8(3), rr.Protocol)
	assert.Equal(t, "printer."+DefaultDomain, rr.Hdr.Name)
	assert.NotZero(t, rr.KeyTag())

	_, err = KeyRecord("x.", nil)
	assert.Error(t, err)
}
