// Package srp implements a Service Registration Protocol (SRP) server:
// an authoritative registry of hosts and the DNS-SD services they
// publish, fed by authenticated DNS UPDATE messages from constrained
// clients.
//
// Registrations are leased. A client must refresh its registration
// before the lease elapses; the key lease runs longer so that a name
// stays reserved for its key after the service itself has expired.
// Before an update is committed the server asks a pluggable downstream
// handler (typically an mDNS advertiser, see the advertiser package)
// to accept it, and acknowledges the client by DNS response either way.
//
// The wire profile follows the SRP draft: one SOA in the Zone section,
// AAAA+KEY host description and PTR/SRV/TXT service descriptions in the
// Update section, and an EDNS(0) Update-Lease option plus a SIG(0)
// signature in the Additional section.
package srp

import "time"

// serviceSubTypeLabel is the infix that separates a sub-type label from
// its base service name, as in "_printer._sub._ipps._tcp.example.org.".
const serviceSubTypeLabel = "._sub."

// DefaultDomain is the domain the server is authoritative for unless
// reconfigured with SetDomain.
const DefaultDomain = "default.service.arpa."

// UDP port selection. Unicast servers pick a port in
// [UnicastPortMin, UnicastPortMax], remembering the previous choice
// across restarts; anycast servers always use AnycastPort.
const (
	UnicastPortMin uint16 = 53535
	UnicastPortMax uint16 = 53554
	AnycastPort    uint16 = 53
)

// DefaultHandlerTimeout is how long the server waits for the service
// update handler to accept or reject a registration before answering
// the client with a timeout failure.
const DefaultHandlerTimeout = 500 * time.Millisecond

// maxTimerDelay caps schedulable lease durations: leases are tracked on
// a millisecond timer, so a key lease may not exceed ~49.7 days.
const maxTimerDelay = time.Duration(1<<32-1) * time.Millisecond

// udpPayloadSize is advertised in the OPT record of responses that echo
// a granted lease.
const udpPayloadSize = 1280

// State reports the server lifecycle stage.
type State uint8

const (
	// StateDisabled means the server is not publishing its presence and
	// will not accept configuration of a running instance.
	StateDisabled State = iota

	// StateStopped means the server is enabled and waiting for the
	// publisher to confirm its advertisement before opening the socket.
	StateStopped

	// StateRunning means the server is listening for SRP updates.
	StateRunning
)

// String returns the lifecycle stage name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// AddressMode selects how the server's address is advertised to
// clients.
type AddressMode uint8

const (
	// AddressModeUnicast advertises a unicast address with an
	// explicitly chosen port.
	AddressModeUnicast AddressMode = iota

	// AddressModeAnycast advertises the well-known anycast address,
	// ordered among peers by a sequence number.
	AddressModeAnycast
)

// String returns the address mode name.
func (m AddressMode) String() string {
	switch m {
	case AddressModeUnicast:
		return "unicast"
	case AddressModeAnycast:
		return "anycast"
	default:
		return "unknown"
	}
}

// Limits bounds the resources a server will allocate on behalf of
// clients. Exceeding a bound fails the offending update with ErrNoBufs,
// reported to the client as a server failure.
type Limits struct {
	MaxHosts            int // registered hosts
	MaxServicesPerHost  int // services (incl. sub-types) under one host
	MaxAddressesPerHost int // AAAA addresses per host
	MaxTxtLength        int // TXT rdata bytes per service description
}

// DefaultLimits returns the bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHosts:            32,
		MaxServicesPerHost:  32,
		MaxAddressesPerHost: 8,
		MaxTxtLength:        512,
	}
}
