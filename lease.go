package srp

import (
	"time"

	"go.uber.org/zap"
)

// LeaseConfig bounds the lease and key-lease intervals the server
// grants. A client's requested interval is clamped into
// [Min, Max]; a zero request stays zero, because zero means removal.
type LeaseConfig struct {
	MinLease    uint32 // seconds
	MaxLease    uint32 // seconds
	MinKeyLease uint32 // seconds
	MaxKeyLease uint32 // seconds
}

// DefaultLeaseConfig returns the lease bounds used when none are
// configured: lease between 30 minutes and 2 hours, key lease between
// 1 day and 14 days.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		MinLease:    30 * 60,
		MaxLease:    2 * 60 * 60,
		MinKeyLease: 24 * 60 * 60,
		MaxKeyLease: 14 * 24 * 60 * 60,
	}
}

// Validate checks the configured bounds for consistency. The key lease
// must also fit the millisecond lease timer.
func (c LeaseConfig) Validate() error {
	switch {
	case time.Duration(c.MaxKeyLease)*time.Second > maxTimerDelay,
		c.MinLease > c.MaxLease,
		c.MinKeyLease > c.MaxKeyLease,
		c.MinLease > c.MinKeyLease,
		c.MaxLease > c.MaxKeyLease:
		return ErrInvalidArgs
	default:
		return nil
	}
}

// grantLease clamps a requested lease into the configured bounds. Zero
// is preserved: it requests removal, not a minimum lease.
func (c LeaseConfig) grantLease(requested uint32) uint32 {
	if requested == 0 {
		return 0
	}
	return clamp(requested, c.MinLease, c.MaxLease)
}

// grantKeyLease clamps a requested key lease into the configured
// bounds, preserving zero.
func (c LeaseConfig) grantKeyLease(requested uint32) uint32 {
	if requested == 0 {
		return 0
	}
	return clamp(requested, c.MinKeyLease, c.MaxKeyLease)
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleLeaseTimer is the lease scheduler: one scan over all hosts that
// expires whatever is due and re-arms the single timer at the earliest
// remaining expiry. It runs when the timer fires; the scan itself
// (scanLeasesLocked) also runs after every committed update.
func (s *Server) handleLeaseTimer() {
	s.mu.Lock()
	s.leaseArmed = false
	s.scanLeasesLocked()
	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (s *Server) scanLeasesLocked() {
	now := s.clk.Now()

	var earliest time.Time
	track := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	for _, host := range append([]*Host(nil), s.reg.hosts...) {
		switch {
		case !now.Before(host.keyExpireTime()):
			// The KEY lease elapsed: the name reservation is gone and
			// the whole host goes with it.
			s.logger.Info("key lease of host expired", zap.String("host", host.fullName))
			s.metrics.keyLeaseExpirations.Inc()
			s.removeHostLocked(host, false, true)

		case host.Deleted():
			// Host already removed; only the reserved names are still
			// counting down.
			track(host.keyExpireTime())

			for _, svc := range append([]*Service(nil), host.services...) {
				if !now.Before(svc.keyExpireTime()) {
					s.metrics.keyLeaseExpirations.Inc()
					s.removeServiceLocked(host, svc, false, true)
				} else {
					track(svc.keyExpireTime())
				}
			}

		case !now.Before(host.expireTime()):
			// The host lease elapsed: clear everything but keep the
			// names reserved until the key lease runs out.
			s.logger.Info("lease of host expired", zap.String("host", host.fullName))
			s.metrics.leaseExpirations.Inc()

			for _, svc := range append([]*Service(nil), host.services...) {
				// No handler notification here; removing the host
				// below notifies once for the whole host.
				s.removeServiceLocked(host, svc, true, false)
			}
			s.removeHostLocked(host, true, true)
			track(host.keyExpireTime())

		default:
			track(host.expireTime())

			for _, svc := range append([]*Service(nil), host.services...) {
				switch {
				case !now.Before(svc.keyExpireTime()):
					s.metrics.keyLeaseExpirations.Inc()
					s.removeServiceLocked(host, svc, false, true)
				case svc.isDeleted:
					track(svc.keyExpireTime())
				case !now.Before(svc.expireTime()):
					s.metrics.leaseExpirations.Inc()
					s.removeServiceLocked(host, svc, true, true)
					track(svc.keyExpireTime())
				default:
					track(svc.expireTime())
				}
			}
		}
	}

	s.metrics.setRegistrySize(&s.reg)

	if earliest.IsZero() {
		s.stopLeaseTimerLocked()
		return
	}
	s.armLeaseTimerLocked(earliest, now)
}

// armLeaseTimerLocked arms the lease timer at the given instant unless
// it is already armed for an earlier one.
func (s *Server) armLeaseTimerLocked(at, now time.Time) {
	if s.leaseArmed && !at.Before(s.leaseDeadline) {
		return
	}
	s.leaseArmed = true
	s.leaseDeadline = at

	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.leaseTimer.Reset(delay)
}

func (s *Server) stopLeaseTimerLocked() {
	if !s.leaseArmed {
		return
	}
	s.leaseArmed = false
	s.leaseTimer.Stop()
}
