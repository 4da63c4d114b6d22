// Package srp name handling helpers. DNS names stay in miekg/dns
// presentation form (fully qualified, escaped) end to end; these
// helpers only compare and split them.
package srp

import (
	"strings"

	"github.com/miekg/dns"
)

// nameEqual reports whether two DNS names are equal under the
// case-insensitive comparison DNS requires.
func nameEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// nameEndsIn reports whether name equals suffix or ends in it on a
// label boundary. Used to relate a service instance name to its base
// service name and record owners to the configured domain.
func nameEndsIn(name, suffix string) bool {
	return dns.IsSubDomain(suffix, name)
}

// splitSubType splits a service name of the form
// "<sub-label>._sub.<base-service>.<domain>." into its sub-type label
// and base service name. ok is false when the name carries no sub-type
// infix.
func splitSubType(serviceName string) (label, base string, ok bool) {
	i := strings.Index(serviceName, serviceSubTypeLabel)
	if i < 0 {
		return "", serviceName, false
	}
	return serviceName[:i], serviceName[i+len(serviceSubTypeLabel):], true
}

// trimDot removes leading and trailing dots from a DNS name string,
// preventing double dots when names are joined into FQDNs.
func trimDot(s string) string {
	return strings.Trim(s, ".")
}

// txtLength is the packed rdata size of a TXT record's strings: one
// length octet per string plus the string bytes.
func txtLength(txt []string) int {
	n := 0
	for _, s := range txt {
		n += 1 + len(s)
	}
	return n
}
