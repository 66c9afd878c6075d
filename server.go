package otnet

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the service manager.
var (
	// ErrDuplicatedPort is returned when two services are registered on the same port.
	ErrDuplicatedPort = errors.New("port already has a service")
	// ErrInvalidService is returned when registering a nil service.
	ErrInvalidService = errors.New("invalid service")
	// ErrServerClosed is returned when using a closed service manager.
	ErrServerClosed = errors.New("service manager closed")
	// ErrServerServing is returned when registering a service after Serve started.
	ErrServerServing = errors.New("service manager already serving")
)

// Service accepts the connections of one port.
type Service interface {
	// Name identifies the service in logs.
	Name() string
	// Port is the TCP port the service listens on.
	Port() int
	// IncomingConnection takes ownership of an accepted socket. It is called
	// from one goroutine per connection and may block until the connection
	// ends; ctx is canceled when the manager shuts down.
	IncomingConnection(ctx context.Context, conn net.Conn)
}

// ProtocolFactory returns a fresh protocol for each connection.
type ProtocolFactory func() Protocol

// BasicService binds every accepted socket to a Conn running a new protocol.
type BasicService struct {
	name    string
	port    int
	factory ProtocolFactory
	opts    []Option
	logger  Logger
}

// NewBasicService returns a service creating protocols with factory. The
// connection options apply to every accepted connection.
func NewBasicService(name string, port int, factory ProtocolFactory, opts ...Option) *BasicService {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	return &BasicService{
		name:    name,
		port:    port,
		factory: factory,
		opts:    opts,
		logger:  o.logger,
	}
}

// Name implements Service.
func (s *BasicService) Name() string {
	return s.name
}

// Port implements Service.
func (s *BasicService) Port() int {
	return s.port
}

// IncomingConnection implements Service. It blocks until the connection stops.
func (s *BasicService) IncomingConnection(ctx context.Context, raw net.Conn) {
	conn, err := NewConn(raw, s.opts...)
	if err != nil {
		s.logger.Error("failed to create connection", "service", s.name, "error", err)
		_ = raw.Close()
		return
	}

	p := s.factory()
	if p == nil {
		s.logger.Error("protocol factory returned nil", "service", s.name)
		_ = raw.Close()
		return
	}

	_ = conn.Run(ctx, p)
}

// ServiceManager listens on the port of every registered service and hands
// accepted sockets to them.
type ServiceManager struct {
	host      string
	logger    Logger
	metrics   *Metrics
	maxConns  int
	reusePort bool

	mu        sync.Mutex
	services  map[int]Service
	listeners map[int]net.Listener
	serving   bool
	closed    bool
	cancel    context.CancelFunc

	conns sync.WaitGroup
}

// ServiceOption configures a ServiceManager.
type ServiceOption func(*ServiceManager)

// ServiceLoggerOption sets the logger for the manager.
func ServiceLoggerOption(logger Logger) ServiceOption {
	return func(m *ServiceManager) {
		m.logger = logger
	}
}

// ServiceMetricsOption sets the metrics updated on accept.
// Pass the same value to MetricsOption to collect frame counters too.
func ServiceMetricsOption(metrics *Metrics) ServiceOption {
	return func(m *ServiceManager) {
		m.metrics = metrics
	}
}

// MaxConnectionsOption limits the number of simultaneously open connections
// per port. Zero means no limit.
//
// Limited listeners wrap accepted sockets, which disables TCP half shutdown
// in Conn.StopReceiving and Conn.StopSending.
func MaxConnectionsOption(n int) ServiceOption {
	return func(m *ServiceManager) {
		m.maxConns = n
	}
}

// ReusePortOption sets SO_REUSEPORT on the listening sockets where the
// platform supports it.
func ReusePortOption(reuse bool) ServiceOption {
	return func(m *ServiceManager) {
		m.reusePort = reuse
	}
}

// NewServiceManager creates a manager binding services on host.
func NewServiceManager(host string, opts ...ServiceOption) *ServiceManager {
	m := &ServiceManager{
		host:      host,
		services:  make(map[int]Service),
		listeners: make(map[int]net.Listener),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}
	if m.metrics == nil {
		m.metrics = &Metrics{}
	}

	return m
}

// Register binds the port of svc. Accepting starts with Serve, so services
// must be registered before it.
func (m *ServiceManager) Register(svc Service) error {
	if svc == nil {
		return ErrInvalidService
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrServerClosed
	}
	if m.serving {
		return errors.Wrapf(ErrServerServing, "register %s", svc.Name())
	}
	if _, ok := m.services[svc.Port()]; ok {
		return errors.Wrapf(ErrDuplicatedPort, "port %d", svc.Port())
	}

	addr := net.JoinHostPort(m.host, strconv.Itoa(svc.Port()))
	lc := listenConfig(m.reusePort)
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	if m.maxConns > 0 {
		ln = netutil.LimitListener(ln, m.maxConns)
	}

	m.services[svc.Port()] = svc
	m.listeners[svc.Port()] = ln
	m.logger.Info("service registered", "service", svc.Name(), "addr", ln.Addr())
	return nil
}

// Addr returns the bound address of the service registered on port.
func (m *ServiceManager) Addr(port int) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ln, ok := m.listeners[port]; ok {
		return ln.Addr()
	}
	return nil
}

// Metrics returns the metrics updated by the manager.
func (m *ServiceManager) Metrics() *Metrics {
	return m.metrics
}

// Serve accepts connections on every registered port until ctx is canceled
// or Close is called, then waits for open connections to end. Connections
// receive a context canceled on shutdown.
func (m *ServiceManager) Serve(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrServerClosed
	}
	if m.serving {
		m.mu.Unlock()
		return ErrServerServing
	}
	m.serving = true

	ctx, m.cancel = context.WithCancel(ctx)
	type binding struct {
		ln  net.Listener
		svc Service
	}
	bindings := make([]binding, 0, len(m.listeners))
	for port, ln := range m.listeners {
		bindings = append(bindings, binding{ln: ln, svc: m.services[port]})
	}
	m.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	for _, b := range bindings {
		ln, svc := b.ln, b.svc
		group.Go(func() error {
			return m.acceptLoop(child, ln, svc)
		})
	}

	group.Go(func() error {
		<-child.Done()
		m.closeListeners()
		return nil
	})

	err := group.Wait()
	m.conns.Wait()

	if err == nil {
		err = ctx.Err()
		if m.isClosed() {
			err = nil
		}
	}
	m.logger.Info("service manager stopped")
	return err
}

func (m *ServiceManager) acceptLoop(ctx context.Context, ln net.Listener, svc Service) error {
	m.logger.Info("service started", "service", svc.Name(), "addr", ln.Addr())

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				m.logger.Info("service stopped", "service", svc.Name(), "addr", ln.Addr())
				return nil
			}

			if isTimeout(err) {
				continue
			}
			m.logger.Error("accept error", "service", svc.Name(), "error", err)
			return err
		}

		m.logger.Debug("accepted connection", "service", svc.Name(), "remote_addr", raw.RemoteAddr())
		m.metrics.Accepted.Add(1)
		m.metrics.Active.Inc()

		m.conns.Add(1)
		go func() {
			defer m.conns.Done()
			defer m.metrics.Active.Dec()
			svc.IncomingConnection(ctx, raw)
		}()
	}
}

func (m *ServiceManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ServiceManager) closeListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ln := range m.listeners {
		_ = ln.Close()
	}
}

// Close stops accepting and cancels every open connection.
// Serve returns nil once the connections are gone.
func (m *ServiceManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.closeListeners()
	return nil
}
