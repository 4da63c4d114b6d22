package srp

import (
	"errors"

	"github.com/miekg/dns"
)

// Error kinds propagated through parsing and commit. They are matched
// with errors.Is and mapped onto DNS response codes for the client.
var (
	// ErrParse means the message wire format is malformed (bad record
	// length, OPT size, signature length).
	ErrParse = errors.New("malformed message")

	// ErrFailed means a semantic rule of the SRP profile was violated
	// (missing KEY, class mismatch, SRV without a description).
	ErrFailed = errors.New("update violates registration profile")

	// ErrSecurity means the zone is not ours, the signature did not
	// verify, or a key conflicts with a previously seen one.
	ErrSecurity = errors.New("security check failed")

	// ErrDuplicated means a name in the update is already registered
	// under a different key.
	ErrDuplicated = errors.New("name registered with another key")

	// ErrNoBufs means a configured resource bound was exceeded.
	ErrNoBufs = errors.New("resource limit exceeded")

	// ErrInvalidState means the operation is not allowed in the
	// server's current lifecycle state.
	ErrInvalidState = errors.New("invalid server state")

	// ErrInvalidArgs means the supplied configuration is malformed.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrResponseTimeout means the service update handler did not
	// answer before the per-request deadline.
	ErrResponseTimeout = errors.New("service update handler timed out")

	// ErrDrop marks inbound traffic that is not meant for this server
	// (or a record that is silently ignored); nothing is sent back.
	ErrDrop = errors.New("message dropped")
)

// responseCode maps an internal error onto the RCODE sent back to the
// client. Anything unrecognized is refused.
func responseCode(err error) int {
	switch {
	case err == nil:
		return dns.RcodeSuccess
	case errors.Is(err, ErrNoBufs):
		return dns.RcodeServerFailure
	case errors.Is(err, ErrParse):
		return dns.RcodeFormatError
	case errors.Is(err, ErrDuplicated):
		return dns.RcodeYXDomain
	default:
		return dns.RcodeRefused
	}
}
