package srp

import "net"

// PublisherEvent reports the outcome of a publish request back to the
// server.
type PublisherEvent uint8

const (
	// PublisherEntryAdded means the advertisement is visible; the
	// server may start listening.
	PublisherEntryAdded PublisherEvent = iota

	// PublisherEntryRemoved means the advertisement was withdrawn; the
	// server must stop.
	PublisherEntryRemoved
)

// Publisher announces the server's existence to clients, for example
// through network data. The server requests publication on enable and
// withdrawal on disable; the publisher reports back through
// Server.HandlePublisherEvent. Without a publisher the server starts
// as soon as it is enabled.
type Publisher interface {
	// PublishUnicast announces a unicast SRP server on the given port.
	PublishUnicast(port uint16)

	// PublishAnycast announces an anycast SRP server, ordered among
	// peers by the sequence number.
	PublishAnycast(sequence uint8)

	// Unpublish withdraws the announcement.
	Unpublish()
}

// DNSSD is a co-resident DNS-SD server whose UDP socket the SRP server
// shares when both are configured for the same port: the DNS-SD side
// owns the socket, forwards update messages, and sends responses on
// the server's behalf.
type DNSSD interface {
	// Port returns the port the DNS-SD socket is bound to.
	Port() uint16

	// Subscribe registers a receiver for inbound messages. The
	// receiver returns ErrDrop for messages it does not consume.
	Subscribe(receiver func(pkt []byte, from *net.UDPAddr) error)

	// Send transmits a datagram through the shared socket.
	Send(pkt []byte, to *net.UDPAddr) error
}
