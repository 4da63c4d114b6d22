// Package advertiser bridges a Service Registration Protocol server to
// the local link: every host a client registers over SRP is announced
// via multicast DNS, and removals send goodbye packets. It implements
// the server's service update handler contract.
package advertiser

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/elum-utils/srp"
)

// qClassCacheFlush is the top bit of the class field, indicating that a
// record should flush conflicting cache entries (RFC 6762 section
// 10.2).
const qClassCacheFlush uint16 = 1 << 15

// defaultTTL is the TTL advertised for service records.
const defaultTTL = 3200

// mdnsPort is the well-known mDNS port announcements are sent from and
// to (RFC 6762).
const mdnsPort = 5353

// mDNS multicast group addresses (RFC 6762: 224.0.0.251 and ff02::fb).
var (
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")

	ipv4Dest = &net.UDPAddr{IP: mdnsGroupIPv4, Port: mdnsPort}
	ipv6Dest = &net.UDPAddr{IP: mdnsGroupIPv6, Port: mdnsPort}
)

// ResultFunc delivers the advertiser's verdict for one update back to
// the server; it is normally Server.HandleServiceUpdateResult.
type ResultFunc func(id uint32, result error)

// Advertiser announces SRP-registered hosts on the local network over
// multicast DNS. Its sockets are send-only: registration state lives in
// the SRP server, so the advertiser never answers queries itself.
type Advertiser struct {
	results ResultFunc
	logger  *zap.Logger
	ttl     uint32
	ifaces  []net.Interface // configured; all multicast-capable ones by default

	ipv4conn *ipv4.PacketConn
	ipv6conn *ipv6.PacketConn
	ifaces4  []net.Interface // joined the IPv4 group; announcements go here
	ifaces6  []net.Interface // joined the IPv6 group

	shutdownLock sync.Mutex
	isShutdown   bool
}

// Option configures an Advertiser.
type Option func(*Advertiser)

// WithLogger supplies a structured logger; the default discards logs.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Advertiser) { a.logger = logger }
}

// WithInterfaces restricts announcements to the given interfaces
// instead of all multicast-capable ones.
func WithInterfaces(ifaces []net.Interface) Option {
	return func(a *Advertiser) { a.ifaces = ifaces }
}

// WithTTL overrides the TTL advertised for service records.
func WithTTL(ttl uint32) Option {
	return func(a *Advertiser) { a.ttl = ttl }
}

// New creates an advertiser delivering verdicts through results and
// joins the mDNS multicast groups. Hosts are announced only on
// interfaces whose join succeeded; at least one interface on one IP
// version must come up.
func New(results ResultFunc, opts ...Option) (*Advertiser, error) {
	a := &Advertiser{
		results: results,
		logger:  zap.NewNop(),
		ttl:     defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

// open brings up the multicast sockets. Each IP version is optional on
// its own; the advertiser is unusable only when neither joins anywhere.
func (a *Advertiser) open() error {
	if len(a.ifaces) == 0 {
		a.ifaces = multicastInterfaces()
	}
	if len(a.ifaces) == 0 {
		return errors.New("no multicast-capable interface")
	}

	var errs error

	conn4, joined4, err := a.joinIPv4()
	if err != nil {
		a.logger.Warn("IPv4 announcements disabled", zap.Error(err))
		errs = multierr.Append(errs, err)
	} else {
		a.ipv4conn, a.ifaces4 = conn4, joined4
	}

	conn6, joined6, err := a.joinIPv6()
	if err != nil {
		a.logger.Warn("IPv6 announcements disabled", zap.Error(err))
		errs = multierr.Append(errs, err)
	} else {
		a.ipv6conn, a.ifaces6 = conn6, joined6
	}

	if a.ipv4conn == nil && a.ipv6conn == nil {
		return errs
	}
	return nil
}

// joinIPv4 opens the IPv4 announcement socket and joins the mDNS group
// on every configured interface, reporting the interfaces that joined.
func (a *Advertiser) joinIPv4() (*ipv4.PacketConn, []net.Interface, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: mdnsPort})
	if err != nil {
		return nil, nil, err
	}

	conn := ipv4.NewPacketConn(udpConn)
	_ = conn.SetMulticastTTL(255)

	var joined []net.Interface
	for _, iface := range a.ifaces {
		iface := iface
		if err := conn.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv4}); err != nil {
			a.logger.Debug("IPv4 join failed",
				zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined = append(joined, iface)
	}
	if len(joined) == 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("udp4: no interface joined %v", mdnsGroupIPv4)
	}
	return conn, joined, nil
}

// joinIPv6 is the IPv6 counterpart of joinIPv4.
func (a *Advertiser) joinIPv6() (*ipv6.PacketConn, []net.Interface, error) {
	udpConn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: mdnsPort})
	if err != nil {
		return nil, nil, err
	}

	conn := ipv6.NewPacketConn(udpConn)
	_ = conn.SetMulticastHopLimit(255)

	var joined []net.Interface
	for _, iface := range a.ifaces {
		iface := iface
		if err := conn.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv6}); err != nil {
			a.logger.Debug("IPv6 join failed",
				zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined = append(joined, iface)
	}
	if len(joined) == 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("udp6: no interface joined %v", mdnsGroupIPv6)
	}
	return conn, joined, nil
}

// multicastInterfaces returns the system interfaces that are up and
// multicast-capable.
func multicastInterfaces() []net.Interface {
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var usable []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			usable = append(usable, ifi)
		}
	}
	return usable
}

// HandleUpdate is the srp.ServiceUpdateHandler: it announces the
// host's current state (goodbyes included) and reports the outcome to
// the server. Announcing happens off the caller's goroutine so the
// server is never blocked.
func (a *Advertiser) HandleUpdate(id uint32, host *srp.Host, _ time.Duration) {
	go func() {
		err := a.announce(host)
		if err != nil {
			a.logger.Warn("announcement failed",
				zap.Uint32("id", id), zap.String("host", host.FullName()), zap.Error(err))
		}
		a.results(id, err)
	}()
}

// announce multicasts the DNS records describing the host: address
// records for the host name and PTR/SRV/TXT for each live base
// service. A deleted service is announced only by its PTR with a zero
// TTL; no SRV/TXT goodbyes are sent for it.
func (a *Advertiser) announce(host *srp.Host) error {
	resp := new(dns.Msg)
	resp.MsgHdr.Response = true
	resp.MsgHdr.Authoritative = true
	resp.Compress = true
	resp.Answer = a.composeHostAnswers(host)

	return a.multicastResponse(resp)
}

// composeHostAnswers builds the record set for one host. Cache flush is
// set on the records a host owns exclusively (SRV, TXT, AAAA), per
// RFC 6762 section 10.2.
func (a *Advertiser) composeHostAnswers(host *srp.Host) []dns.RR {
	var answers []dns.RR

	hostTTL := a.ttl
	if host.Deleted() {
		hostTTL = 0
	}

	for _, addr := range host.Addresses() {
		answers = append(answers, &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   host.FullName(),
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET | qClassCacheFlush,
				Ttl:    hostTTL,
			},
			AAAA: addr,
		})
	}

	for _, svc := range host.Services() {
		ttl := hostTTL
		if svc.IsDeleted() {
			ttl = 0
		}

		answers = append(answers, &dns.PTR{
			Hdr: dns.RR_Header{
				Name:   svc.ServiceName(),
				Rrtype: dns.TypePTR,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			Ptr: svc.InstanceName(),
		})

		// The shared description is announced once, with the base
		// type; sub-type PTRs alone are enough for browsers.
		if svc.IsSubType() || svc.IsDeleted() {
			continue
		}

		desc := svc.Description()
		answers = append(answers,
			&dns.SRV{
				Hdr: dns.RR_Header{
					Name:   svc.InstanceName(),
					Rrtype: dns.TypeSRV,
					Class:  dns.ClassINET | qClassCacheFlush,
					Ttl:    ttl,
				},
				Priority: desc.Priority(),
				Weight:   desc.Weight(),
				Port:     desc.Port(),
				Target:   host.FullName(),
			},
			&dns.TXT{
				Hdr: dns.RR_Header{
					Name:   svc.InstanceName(),
					Rrtype: dns.TypeTXT,
					Class:  dns.ClassINET | qClassCacheFlush,
					Ttl:    ttl,
				},
				Txt: desc.Txt(),
			})
	}

	return answers
}

// multicastResponse sends a DNS message to the mDNS multicast groups on
// every interface the advertiser managed to join.
func (a *Advertiser) multicastResponse(msg *dns.Msg) error {
	buf, err := msg.Pack()
	if err != nil {
		return err
	}

	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.isShutdown {
		return nil
	}

	if a.ipv4conn != nil {
		a.sendIPv4(buf)
	}
	if a.ipv6conn != nil {
		a.sendIPv6(buf)
	}
	return nil
}

func (a *Advertiser) sendIPv4(buf []byte) {
	var wcm ipv4.ControlMessage
	for _, intf := range a.ifaces4 {
		switch runtime.GOOS {
		case "darwin", "ios", "linux":
			wcm.IfIndex = intf.Index
		default:
			iface := intf
			if err := a.ipv4conn.SetMulticastInterface(&iface); err != nil {
				a.logger.Warn("failed to set multicast interface", zap.Error(err))
			}
		}
		a.ipv4conn.WriteTo(buf, &wcm, ipv4Dest)
	}
}

func (a *Advertiser) sendIPv6(buf []byte) {
	var wcm ipv6.ControlMessage
	for _, intf := range a.ifaces6 {
		switch runtime.GOOS {
		case "darwin", "ios", "linux":
			wcm.IfIndex = intf.Index
		default:
			iface := intf
			if err := a.ipv6conn.SetMulticastInterface(&iface); err != nil {
				a.logger.Warn("failed to set multicast interface", zap.Error(err))
			}
		}
		a.ipv6conn.WriteTo(buf, &wcm, ipv6Dest)
	}
}

// Close shuts the advertiser down and closes its multicast sockets.
func (a *Advertiser) Close() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.isShutdown {
		return nil
	}
	a.isShutdown = true

	var err error
	if a.ipv4conn != nil {
		err = multierr.Append(err, a.ipv4conn.Close())
	}
	if a.ipv6conn != nil {
		err = multierr.Append(err, a.ipv6conn.Close())
	}
	return err
}
