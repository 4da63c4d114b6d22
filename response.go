package srp

import (
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// sendResponseLocked answers an update with a bare header carrying the given
// response code. Message id and opcode mirror the request.
func (s *Server) sendResponseLocked(msgID uint16, rcode int, peer *net.UDPAddr) {
	resp := new(dns.Msg)
	resp.Id = msgID
	resp.Response = true
	resp.Opcode = dns.OpcodeUpdate
	resp.Rcode = rcode

	s.writeResponseLocked(resp, peer)

	if rcode == dns.RcodeSuccess {
		s.logger.Info("sent success response", zap.Uint16("message-id", msgID))
	} else {
		s.logger.Info("sent fail response",
			zap.Uint16("message-id", msgID), zap.Int("rcode", rcode))
	}
}

// sendResponseWithLeaseLocked answers a successful update whose granted
// lease pair differs from what the client asked for; the grant is
// echoed in an Update-Lease OPT.
func (s *Server) sendResponseWithLeaseLocked(msgID uint16, lease, keyLease uint32, peer *net.UDPAddr) {
	resp := new(dns.Msg)
	resp.Id = msgID
	resp.Response = true
	resp.Opcode = dns.OpcodeUpdate
	resp.Rcode = dns.RcodeSuccess

	opt := &dns.OPT{
		Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
	}
	opt.SetUDPSize(udpPayloadSize)
	opt.SetDo()
	opt.Option = append(opt.Option, &dns.EDNS0_UL{
		Code:     dns.EDNS0UL,
		Lease:    lease,
		KeyLease: keyLease,
	})
	resp.Extra = append(resp.Extra, opt)

	s.writeResponseLocked(resp, peer)

	s.logger.Info("sent response with granted lease",
		zap.Uint16("message-id", msgID),
		zap.Uint32("lease", lease),
		zap.Uint32("key-lease", keyLease))
}

// writeResponseLocked packs and sends a response over whichever socket
// the server is using, shared or owned. Send failures are logged and
// not retried; the client retransmits.
func (s *Server) writeResponseLocked(resp *dns.Msg, peer *net.UDPAddr) {
	buf, err := resp.Pack()
	if err != nil {
		s.logger.Warn("failed to pack response", zap.Error(err))
		return
	}

	switch {
	case s.sharedConn && s.dnssd != nil:
		err = s.dnssd.Send(buf, peer)
	case s.conn != nil:
		_, err = s.conn.WriteToUDP(buf, peer)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("failed to send response", zap.Error(err))
	}
}
