package srp

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ServiceUpdateHandler is the downstream consumer asked to accept or
// reject every update before it is committed, typically an mDNS
// advertiser. The host snapshot stays valid until the handler's result
// is delivered (or the server stops); the handler answers through
// Server.HandleServiceUpdateResult within the given timeout or the
// update fails with ErrResponseTimeout.
//
// Some notifications are informational only (host and service removals
// driven by lease expiry or shutdown): the server does not wait for
// their results, and a result delivered for them is ignored.
type ServiceUpdateHandler func(id uint32, host *Host, timeout time.Duration)

// Server is an SRP server instance. All of its state is serialized on
// one internal lock; inbound datagrams, timer callbacks and handler
// results are applied one at a time, in the order observed.
type Server struct {
	mu sync.Mutex

	logger  *zap.Logger
	clk     clock.Clock
	metrics *metrics
	promReg prometheus.Registerer

	state          State
	addressMode    AddressMode
	anycastSeq     uint8
	domain         string
	leaseConfig    LeaseConfig
	limits         Limits
	handlerTimeout time.Duration

	handler   ServiceUpdateHandler
	publisher Publisher
	settings  Settings
	dnssd     DNSSD

	port       uint16
	conn       *net.UDPConn
	sharedConn bool

	reg                     registry
	outstanding             []*updateMetadata
	updateID                uint32
	hasRegisteredAnyService bool

	leaseTimer    *clock.Timer
	leaseArmed    bool
	leaseDeadline time.Time

	updatesTimer    *clock.Timer
	updatesArmed    bool
	updatesDeadline time.Time

	// callbacks collected while the lock is held and invoked after it
	// is released, so handlers and publishers never run under the lock.
	callbacks []func()
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger supplies a structured logger; the default discards logs.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock substitutes the time source, which tests replace with a
// mock to drive lease expiry deterministically.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clk = c }
}

// WithPublisher supplies the component announcing this server to
// clients.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithSettings supplies a store for the unicast port memory.
func WithSettings(st Settings) Option {
	return func(s *Server) { s.settings = st }
}

// WithDNSSD supplies a co-resident DNS-SD server whose socket is
// shared when both sides use the same port.
func WithDNSSD(d DNSSD) Option {
	return func(s *Server) { s.dnssd = d }
}

// WithMetrics registers the server's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) { s.promReg = reg }
}

// WithHandlerTimeout overrides how long the service update handler may
// take to answer.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) { s.handlerTimeout = d }
}

// WithLimits overrides the resource bounds.
func WithLimits(l Limits) Option {
	return func(s *Server) { s.limits = l }
}

// New creates a disabled server with default configuration. Configure
// it while disabled, then call SetEnabled(true).
func New(opts ...Option) *Server {
	s := &Server{
		logger:         zap.NewNop(),
		clk:            clock.New(),
		state:          StateDisabled,
		addressMode:    AddressModeUnicast,
		domain:         DefaultDomain,
		leaseConfig:    DefaultLeaseConfig(),
		limits:         DefaultLimits(),
		handlerTimeout: DefaultHandlerTimeout,
		port:           UnicastPortMin,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.metrics = newMetrics(s.promReg)
	s.updateID = rand.Uint32()

	s.leaseTimer = s.clk.AfterFunc(time.Hour, s.handleLeaseTimer)
	s.leaseTimer.Stop()
	s.updatesTimer = s.clk.AfterFunc(time.Hour, s.handleUpdatesTimer)
	s.updatesTimer.Stop()

	return s
}

// SetServiceHandler installs the downstream update handler. With no
// handler installed updates are committed directly.
func (s *Server) SetServiceHandler(h ServiceUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetAddressMode selects unicast or anycast advertisement. Allowed
// only while disabled.
func (s *Server) SetAddressMode(mode AddressMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrInvalidState
	}
	if s.addressMode != mode {
		s.logger.Info("address mode changed",
			zap.Stringer("from", s.addressMode), zap.Stringer("to", mode))
		s.addressMode = mode
	}
	return nil
}

// SetAnycastSequenceNumber sets the sequence number advertised in
// anycast mode. Allowed only while disabled.
func (s *Server) SetAnycastSequenceNumber(seq uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrInvalidState
	}
	s.anycastSeq = seq
	return nil
}

// SetDomain sets the domain the server is authoritative for. A missing
// trailing dot is appended. Allowed only while disabled.
func (s *Server) SetDomain(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrInvalidState
	}
	if domain == "" || len(domain) >= 255 {
		return ErrInvalidArgs
	}
	s.domain = dns.Fqdn(domain)
	return nil
}

// SetLeaseConfig sets the granted-lease bounds. Allowed only while
// disabled.
func (s *Server) SetLeaseConfig(cfg LeaseConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrInvalidState
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.leaseConfig = cfg
	return nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Domain returns the domain the server is authoritative for.
func (s *Server) Domain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Port returns the port the server is (or will be) listening on.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// LeaseConfig returns the granted-lease bounds in force.
func (s *Server) LeaseConfig() LeaseConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseConfig
}

// Hosts returns a snapshot of the registered hosts, deleted-but-
// reserved ones included.
func (s *Server) Hosts() []*Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Host(nil), s.reg.hosts...)
}

// SetEnabled turns the server on or off. Enabling publishes the
// server's advertisement and waits for the publisher's EntryAdded
// before listening (with no publisher the server starts immediately).
// Disabling withdraws the advertisement and stops: every host is
// removed (the handler is told about each), outstanding updates are
// discarded without responses — their clients simply retransmit — and
// the socket closes.
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()

	if enabled {
		if s.state != StateDisabled {
			s.mu.Unlock()
			return
		}
		s.state = StateStopped

		switch s.addressMode {
		case AddressModeUnicast:
			s.selectPortLocked()
			if s.publisher != nil {
				pub, port := s.publisher, s.port
				s.deferCallbackLocked(func() { pub.PublishUnicast(port) })
			} else {
				s.startLocked()
			}
		case AddressModeAnycast:
			s.port = AnycastPort
			if s.publisher != nil {
				pub, seq := s.publisher, s.anycastSeq
				s.deferCallbackLocked(func() { pub.PublishAnycast(seq) })
			} else {
				s.startLocked()
			}
		}
	} else {
		if s.state == StateDisabled {
			s.mu.Unlock()
			return
		}
		if s.publisher != nil {
			pub := s.publisher
			s.deferCallbackLocked(func() { pub.Unpublish() })
		}
		s.stopLocked()
		s.state = StateDisabled
	}

	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// HandlePublisherEvent feeds the publisher's event stream back into the
// server: EntryAdded starts a stopped server, EntryRemoved stops a
// running one.
func (s *Server) HandlePublisherEvent(event PublisherEvent) {
	s.mu.Lock()

	switch event {
	case PublisherEntryAdded:
		s.startLocked()
	case PublisherEntryRemoved:
		s.stopLocked()
	}

	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// selectPortLocked picks the unicast port: the minimum by default, or
// one past the previously used port, wrapping back into the range.
func (s *Server) selectPortLocked() {
	s.port = UnicastPortMin

	if s.settings != nil {
		if prev, err := s.settings.Port(); err == nil {
			port := prev + 1
			if port < UnicastPortMin || port > UnicastPortMax {
				port = UnicastPortMin
			}
			s.port = port
		}
	}

	s.logger.Info("selected port", zap.Uint16("port", s.port))
}

func (s *Server) startLocked() {
	if s.state != StateStopped {
		return
	}
	s.state = StateRunning
	s.prepareSocketLocked()
	if s.state == StateRunning {
		s.logger.Info("start listening", zap.Uint16("port", s.port))
	}
}

// prepareSocketLocked opens the UDP socket, or arranges to share the
// DNS-SD server's socket when it is already bound to our port.
func (s *Server) prepareSocketLocked() {
	if s.dnssd != nil && s.dnssd.Port() == s.port {
		// The DNS-SD socket matches our port: close our own socket (in
		// case it was open) and receive through theirs.
		s.closeSocketLocked()
		s.sharedConn = true
		dnssd := s.dnssd
		s.deferCallbackLocked(func() { dnssd.Subscribe(s.HandleMessage) })
		return
	}
	s.sharedConn = false

	if s.conn != nil {
		return
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(s.port)})
	if err != nil {
		s.logger.Error("failed to prepare socket", zap.Error(err))
		s.stopLocked()
		return
	}
	s.conn = conn
	go s.serve(conn)
}

// HandleDNSSDStateChange is called when the co-resident DNS-SD server
// starts or stops, so a running server can re-evaluate socket sharing.
func (s *Server) HandleDNSSDStateChange() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.prepareSocketLocked()
	}
	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (s *Server) stopLocked() {
	if s.state != StateRunning {
		return
	}
	s.state = StateStopped

	for len(s.reg.hosts) > 0 {
		s.removeHostLocked(s.reg.hosts[0], false, true)
	}

	// Outstanding updates are dropped without answering; the client
	// retransmits and finds out from the restarted server.
	s.outstanding = nil

	s.stopLeaseTimerLocked()
	s.stopUpdatesTimerLocked()
	s.closeSocketLocked()
	s.hasRegisteredAnyService = false
	s.metrics.setRegistrySize(&s.reg)

	s.logger.Info("stop listening", zap.Uint16("port", s.port))
}

func (s *Server) closeSocketLocked() {
	s.sharedConn = false
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// serve reads datagrams until the socket closes. It runs on its own
// goroutine; everything it hands to HandleMessage is serialized there.
func (s *Server) serve(conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		_ = s.HandleMessage(pkt, from)
	}
}

// HandleMessage processes one raw datagram as if it arrived on the
// server socket. Shared-socket owners call this for traffic on their
// socket; ErrDrop says the message was not an SRP update (or the
// server is not running) and belongs to someone else.
func (s *Server) HandleMessage(pkt []byte, from *net.UDPAddr) error {
	s.mu.Lock()

	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrDrop
	}

	err := s.processMessageLocked(pkt, from)
	cbs := s.takeCallbacksLocked()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	if err != nil {
		s.logger.Debug("failed to handle DNS message", zap.Error(err))
	}
	return err
}

// processMessageLocked decodes the datagram and dispatches SRP updates.
// Anything that is not a DNS UPDATE query is dropped silently.
func (s *Server) processMessageLocked(pkt []byte, from *net.UDPAddr) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt); err != nil {
		return ErrParse
	}
	if msg.Response || msg.Opcode != dns.OpcodeUpdate {
		return ErrDrop
	}

	s.processDNSUpdateLocked(&messageMetadata{
		msg:         msg,
		raw:         pkt,
		rxTime:      s.clk.Now(),
		leaseConfig: s.leaseConfig,
		peer:        from,
	})
	return nil
}

// processDNSUpdateLocked runs one update through zone validation,
// duplicate suppression, the three-pass parser, the additional-section
// checks, and on to the handler. Parse failures answer direct clients
// with the mapped response code; replicated updates stay silent.
func (s *Server) processDNSUpdateLocked(m *messageMetadata) {
	s.metrics.updatesReceived.Inc()
	s.logger.Info("received DNS update", zap.Uint16("message-id", m.msg.Id))

	err := s.processZoneSection(m)

	if err == nil && s.findOutstandingUpdateLocked(m) != nil {
		// The client retransmitted while its first try is still with
		// the handler; one decision covers both.
		s.logger.Info("dropped duplicated SRP update",
			zap.Uint16("message-id", m.msg.Id))
		return
	}

	// The registration profile forbids prerequisites.
	if err == nil && len(m.msg.Answer) != 0 {
		err = ErrFailed
	}

	var host *Host
	if err == nil {
		host = newHost(s.limits, m.rxTime)
		err = s.processUpdateSection(host, m)
	}
	if err == nil {
		err = s.processAdditionalSection(host, m)
	}

	if err != nil {
		s.metrics.updatesRejected.Inc()
		if m.directFromClient() {
			s.sendResponseLocked(m.msg.Id, responseCode(err), m.peer)
		}
		return
	}

	s.handleUpdateLocked(host, m)
}

// handleUpdateLocked finishes preparing a parsed candidate and either
// hands it to the service update handler or, with no handler, commits
// it directly.
func (s *Server) handleUpdateLocked(host *Host, m *messageMetadata) {
	// A removal may omit services the client registered earlier; copy
	// them onto the candidate as deletions so the handler sees the
	// full effect of the removal.
	if host.lease == 0 {
		host.clearResources()

		if existing := s.reg.findHost(host.fullName); existing != nil {
			for _, svc := range existing.services {
				if svc.isDeleted {
					continue
				}
				if host.findService(svc.serviceName, svc.desc.instanceName) != nil {
					continue
				}
				copied, err := host.addNewService(svc.serviceName, svc.desc.instanceName, svc.isSubType, m.rxTime)
				if err != nil {
					s.commitUpdateLocked(err, host, m.msg.Id, m.peer, m.leaseConfig)
					return
				}
				copied.desc.updateTime = m.rxTime
				copied.isDeleted = true
			}
		}
	}

	if s.handler == nil {
		s.commitUpdateLocked(nil, host, m.msg.Id, m.peer, m.leaseConfig)
		return
	}
	s.enqueueUpdateLocked(m, host)
}

// commitUpdateLocked applies the final outcome of an update: grants the
// lease pair, mutates the registry, reschedules the lease timer, and
// answers direct clients. A non-nil result means rollback — no registry
// change, mapped response code.
func (s *Server) commitUpdateLocked(result error, host *Host, msgID uint16, peer *net.UDPAddr, cfg LeaseConfig) {
	if result != nil {
		s.metrics.updatesRejected.Inc()
		if peer != nil {
			s.sendResponseLocked(msgID, responseCode(result), peer)
		}
		return
	}

	requestedLease := host.lease
	requestedKeyLease := host.keyLease
	grantedLease := cfg.grantLease(requestedLease)
	grantedKeyLease := cfg.grantKeyLease(requestedKeyLease)
	// A key lease never ends before the lease it backs.
	if grantedKeyLease < grantedLease {
		grantedKeyLease = grantedLease
	}

	host.lease = grantedLease
	host.keyLease = grantedKeyLease
	for _, desc := range host.descriptions {
		desc.lease = grantedLease
		desc.keyLease = grantedKeyLease
	}

	existing := s.reg.findHost(host.fullName)
	var commitErr error

	switch {
	case grantedLease == 0 && grantedKeyLease == 0:
		// The client walked away entirely: name and key are released.
		s.logger.Info("remove key of host", zap.String("host", host.fullName))
		if existing != nil {
			s.removeHostLocked(existing, false, false)
		}

	case grantedLease == 0:
		// Removal that keeps the name reserved for the key lease.
		if existing != nil {
			existing.keyLease = grantedKeyLease
			s.removeHostLocked(existing, true, false)
			for _, svc := range append([]*Service(nil), existing.services...) {
				s.removeServiceLocked(existing, svc, true, false)
			}
		}

	case existing != nil:
		s.logger.Info("update host", zap.String("host", host.fullName))
		commitErr = existing.merge(host, s.clk.Now())

	default:
		if s.reg.len() >= s.limits.MaxHosts {
			commitErr = ErrNoBufs
			break
		}
		s.logger.Info("add new host", zap.String("host", host.fullName))
		for _, svc := range host.services {
			svc.isCommitted = true
			s.logServiceLocked("add new", svc)
		}
		s.reg.addHost(host)

		if !s.hasRegisteredAnyService && s.addressMode == AddressModeUnicast && s.settings != nil {
			s.hasRegisteredAnyService = true
			if err := s.settings.SetPort(s.port); err != nil {
				s.logger.Warn("failed to save port", zap.Error(err))
			}
		}
	}

	if commitErr == nil {
		s.metrics.updatesCommitted.Inc()
		s.scanLeasesLocked()
	} else {
		s.metrics.updatesRejected.Inc()
	}

	if peer == nil {
		return
	}
	if commitErr == nil && !(grantedLease == requestedLease && grantedKeyLease == requestedKeyLease) {
		s.sendResponseWithLeaseLocked(msgID, grantedLease, grantedKeyLease, peer)
	} else {
		s.sendResponseLocked(msgID, responseCode(commitErr), peer)
	}
}

// removeHostLocked removes a host, keeping the name reserved when
// retainName is set, and tells the handler when asked. The handler's
// answer is not awaited: undoing a removal is meaningless.
func (s *Server) removeHostLocked(host *Host, retainName, notify bool) {
	host.lease = 0
	host.clearResources()

	if retainName {
		s.logger.Info("remove host, retain name", zap.String("host", host.fullName))
	} else {
		host.keyLease = 0
		s.reg.removeHost(host)
		s.logger.Info("fully remove host", zap.String("host", host.fullName))
	}

	if notify && s.handler != nil {
		id := s.allocateIDLocked()
		handler, timeout := s.handler, s.handlerTimeout
		s.logger.Info("service update handler notified", zap.Uint32("id", id))
		s.deferCallbackLocked(func() { handler(id, host, timeout) })
	}
}

// removeServiceLocked marks one service deleted, dropping name and
// description too unless the name is retained, and tells the handler
// when asked. Nil-safe.
func (s *Server) removeServiceLocked(host *Host, svc *Service, retainName, notify bool) {
	if svc == nil {
		return
	}

	svc.isDeleted = true
	if retainName {
		s.logServiceLocked("remove, retain name of", svc)
	} else {
		s.logServiceLocked("fully remove", svc)
	}

	if notify && s.handler != nil {
		id := s.allocateIDLocked()
		handler, timeout := s.handler, s.handlerTimeout
		s.logger.Info("service update handler notified", zap.Uint32("id", id))
		s.deferCallbackLocked(func() { handler(id, host, timeout) })
	}

	host.removeService(svc, retainName)
}

// logServiceLocked logs a committed service action. Uncommitted
// services belong to in-flight candidates and stay out of the log.
func (s *Server) logServiceLocked(action string, svc *Service) {
	if !svc.isCommitted {
		return
	}
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("instance", svc.desc.instanceName),
	}
	if svc.isSubType {
		fields = append(fields, zap.String("subtype", svc.SubTypeLabel()))
	}
	s.logger.Info("service", fields...)
}

func (s *Server) allocateIDLocked() uint32 {
	s.updateID++
	return s.updateID
}

func (s *Server) deferCallbackLocked(cb func()) {
	s.callbacks = append(s.callbacks, cb)
}

func (s *Server) takeCallbacksLocked() []func() {
	cbs := s.callbacks
	s.callbacks = nil
	return cbs
}
