package srp

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// updateMetadata is one in-flight update: a parsed candidate host
// waiting for the service update handler's verdict. It expires at
// rx time + the handler timeout.
type updateMetadata struct {
	id          uint32
	host        *Host
	expireTime  time.Time
	msgID       uint16
	peer        *net.UDPAddr // nil unless received directly from a client
	leaseConfig LeaseConfig
}

func (u *updateMetadata) directFromClient() bool { return u.peer != nil }

// findOutstandingUpdateLocked matches a freshly received message
// against the in-flight updates. A match means the client retransmitted
// before the handler answered; the retransmission is dropped silently.
func (s *Server) findOutstandingUpdateLocked(m *messageMetadata) *updateMetadata {
	if !m.directFromClient() {
		return nil
	}
	for _, u := range s.outstanding {
		if u.directFromClient() &&
			u.msgID == m.msg.Id &&
			u.peer.IP.Equal(m.peer.IP) &&
			u.peer.Port == m.peer.Port {
			return u
		}
	}
	return nil
}

// enqueueUpdateLocked registers an in-flight update and notifies the
// handler once the server's lock is released. Updates are appended in
// arrival order and all share one timeout, so the head of the queue is
// always the next to expire.
func (s *Server) enqueueUpdateLocked(m *messageMetadata, host *Host) {
	u := &updateMetadata{
		id:          s.allocateIDLocked(),
		host:        host,
		expireTime:  s.clk.Now().Add(s.handlerTimeout),
		msgID:       m.msg.Id,
		peer:        m.peer,
		leaseConfig: m.leaseConfig,
	}
	s.outstanding = append(s.outstanding, u)
	s.armUpdatesTimerLocked(u.expireTime)

	handler := s.handler
	timeout := s.handlerTimeout
	s.logger.Info("service update handler notified", zap.Uint32("id", u.id))
	s.deferCallbackLocked(func() { handler(u.id, host, timeout) })
}

// HandleServiceUpdateResult delivers the handler's verdict on the
// update identified by id. A nil result commits the update; anything
// else rolls it back and answers the client with the mapped response
// code. Verdicts for ids no longer in flight (a late reply racing the
// timeout, or a notification-only id) are ignored.
//
// The handler may call this from any goroutine, including synchronously
// from inside its own callback.
func (s *Server) HandleServiceUpdateResult(id uint32, result error) {
	s.mu.Lock()

	var update *updateMetadata
	for _, u := range s.outstanding {
		if u.id == id {
			update = u
			break
		}
	}
	if update == nil {
		s.logger.Info("late service update result ignored", zap.Uint32("id", id))
		s.mu.Unlock()
		return
	}

	s.finishUpdateLocked(update, result)
	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// finishUpdateLocked removes an in-flight update and commits its
// outcome, then re-arms the coordinator timer for the remaining queue.
func (s *Server) finishUpdateLocked(u *updateMetadata, result error) {
	for i, candidate := range s.outstanding {
		if candidate == u {
			s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
			break
		}
	}

	s.logger.Info("service update result received",
		zap.Uint32("id", u.id), zap.Error(result))
	s.commitUpdateLocked(result, u.host, u.msgID, u.peer, u.leaseConfig)

	if len(s.outstanding) == 0 {
		s.stopUpdatesTimerLocked()
	} else {
		s.resetUpdatesTimerLocked(s.outstanding[0].expireTime)
	}
}

// handleUpdatesTimer fires when the oldest in-flight update passed its
// deadline without a handler verdict; the timeout is handled exactly
// like a handler reply of ErrResponseTimeout.
func (s *Server) handleUpdatesTimer() {
	s.mu.Lock()
	s.updatesArmed = false

	now := s.clk.Now()
	for len(s.outstanding) > 0 && !now.Before(s.outstanding[0].expireTime) {
		u := s.outstanding[0]
		s.logger.Info("service update timed out", zap.Uint32("id", u.id))
		s.finishUpdateLocked(u, ErrResponseTimeout)
	}
	if len(s.outstanding) > 0 && !s.updatesArmed {
		// A stale fire can land here between a Stop and a Reset; keep
		// the head of the queue covered.
		s.resetUpdatesTimerLocked(s.outstanding[0].expireTime)
	}

	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// armUpdatesTimerLocked arms the coordinator timer at the given instant
// unless it is already armed for an earlier one.
func (s *Server) armUpdatesTimerLocked(at time.Time) {
	if s.updatesArmed && !at.Before(s.updatesDeadline) {
		return
	}
	s.resetUpdatesTimerLocked(at)
}

func (s *Server) resetUpdatesTimerLocked(at time.Time) {
	s.updatesArmed = true
	s.updatesDeadline = at

	delay := at.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	s.updatesTimer.Reset(delay)
}

func (s *Server) stopUpdatesTimerLocked() {
	if !s.updatesArmed {
		return
	}
	s.updatesArmed = false
	s.updatesTimer.Stop()
}
