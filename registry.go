package srp

// registry is the set of live hosts. It only stores and finds; lease
// accounting and handler notification stay with the server.
type registry struct {
	hosts []*Host
}

func (r *registry) findHost(fullName string) *Host {
	for _, h := range r.hosts {
		if nameEqual(h.fullName, fullName) {
			return h
		}
	}
	return nil
}

// addHost takes ownership of a host. The caller must have made sure no
// host with the same name exists.
func (r *registry) addHost(h *Host) {
	r.hosts = append(r.hosts, h)
}

func (r *registry) removeHost(h *Host) {
	for i, existing := range r.hosts {
		if existing == h {
			r.hosts = append(r.hosts[:i], r.hosts[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int { return len(r.hosts) }

// hasNameConflictsWith reports whether a candidate host collides with
// registered state owned by a different key: either the host name
// itself, or any of the candidate's service instance names found under
// any registered host.
func (r *registry) hasNameConflictsWith(candidate *Host) bool {
	if existing := r.findHost(candidate.fullName); existing != nil {
		if !keyEqual(candidate.key, existing.key) {
			return true
		}
	}

	for _, desc := range candidate.descriptions {
		for _, host := range r.hosts {
			if host.findServiceDescription(desc.instanceName) == nil {
				continue
			}
			if !keyEqual(candidate.key, host.key) {
				return true
			}
		}
	}

	return false
}
