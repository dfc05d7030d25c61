package treenet

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type serverOptions struct {
	connOpts []ConnOption
	maxConns int
	workers  int
}

// ServerOption sets server options.
type ServerOption func(*serverOptions)

// WithConnOptions returns a ServerOption that applies opts to every accepted
// connection.
func WithConnOptions(opts ...ConnOption) ServerOption {
	return func(o *serverOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// WithMaxConnections returns a ServerOption that refuses clients beyond n
// tracked connections. 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithWorkers returns a ServerOption that sizes the broadcast worker pool.
func WithWorkers(n int) ServerOption {
	return func(o *serverOptions) {
		o.workers = n
	}
}

// Server accepts TCP clients, tracks them by peer and keeps every listener
// registered on it applied to each matching connection, present or future.
type Server struct {
	opts    serverOptions
	lis     net.Listener
	conns   *ConnMap
	pool    *WorkerPool
	running *AtomicBoolean
	stopped *AtomicBoolean
	closeCh chan struct{}
	wg      sync.WaitGroup

	// guards following, and the insertion of new connections so that a
	// registration never misses one
	mu             sync.Mutex
	listeners      []PacketListener
	named          map[string][]PacketListener
	peerListeners  map[PeerKey][]PacketListener
	peerNamed      map[PeerKey]map[string][]PacketListener
	disconnections []DisconnectionListener
	errs           []ErrorListener
	connects       []ConnectionListener
}

// NewServer returns a server on l which has not started to accept yet.
func NewServer(l net.Listener, opt ...ServerOption) *Server {
	opts := serverOptions{
		maxConns: MaxConnections,
		workers:  defaultWorkersNum,
	}
	for _, o := range opt {
		o(&opts)
	}

	return &Server{
		opts:          opts,
		lis:           l,
		conns:         NewConnMap(),
		pool:          NewWorkerPool(opts.workers),
		running:       NewAtomicBoolean(false),
		stopped:       NewAtomicBoolean(false),
		closeCh:       make(chan struct{}),
		named:         map[string][]PacketListener{},
		peerListeners: map[PeerKey][]PacketListener{},
		peerNamed:     map[PeerKey]map[string][]PacketListener{},
	}
}

// Listen listens on the TCP address addr and returns a server for it.
func Listen(addr string, opt ...ServerOption) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return NewServer(l, opt...), nil
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Running reports whether the server is accepting.
func (s *Server) Running() bool {
	return s.running.Get()
}

// Size returns the number of tracked connections.
func (s *Server) Size() int {
	return s.conns.Size()
}

// Conns returns a snapshot of the tracked connections ordered by peer.
func (s *Server) Conns() []*Conn {
	return s.conns.Values()
}

// Conn returns the connection tracked for the peer at address and port.
func (s *Server) Conn(address string, port int) (*Conn, bool) {
	return s.conns.Get(NewPeerKey(address, port))
}

// AddConnectionListener registers l for newly accepted connections.
func (s *Server) AddConnectionListener(l ConnectionListener) {
	s.mu.Lock()
	s.connects = addUnique(s.connects, l)
	s.mu.Unlock()
}

// RemoveConnectionListener unregisters l.
func (s *Server) RemoveConnectionListener(l ConnectionListener) {
	s.mu.Lock()
	s.connects = removeValue(s.connects, l)
	s.mu.Unlock()
}

// AddListener registers l for every packet on every connection.
func (s *Server) AddListener(l PacketListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = addUnique(s.listeners, l)
	for _, c := range s.conns.Values() {
		c.AddListener(l)
	}
}

// RemoveListener undoes AddListener. A connection keeps l while l is still
// registered for its peer.
func (s *Server) RemoveListener(l PacketListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = removeValue(s.listeners, l)
	for _, c := range s.conns.Values() {
		if !contains(s.peerListeners[c.Peer()], l) {
			c.RemoveListener(l)
		}
	}
}

// AddListenerForNames registers l for packets named one of names on every
// connection.
func (s *Server) AddListenerForNames(l PacketListener, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.named[name] = addUnique(s.named[name], l)
	}
	for _, c := range s.conns.Values() {
		c.AddListenerForNames(l, names...)
	}
}

// RemoveListenerForNames undoes AddListenerForNames. A connection keeps l for
// a name while l is still registered for that name on its peer.
func (s *Server) RemoveListenerForNames(l PacketListener, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeNamed(s.named, l, names)
	for _, c := range s.conns.Values() {
		peerNamed := s.peerNamed[c.Peer()]
		for _, name := range names {
			if !contains(peerNamed[name], l) {
				c.RemoveListenerForNames(l, name)
			}
		}
	}
}

// AddListenerForPeer registers l for every packet from one peer. If the peer
// is not connected yet, l is applied when it connects.
func (s *Server) AddListenerForPeer(l PacketListener, address string, port int) {
	k := NewPeerKey(address, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerListeners[k] = addUnique(s.peerListeners[k], l)
	if c, ok := s.conns.Get(k); ok {
		c.AddListener(l)
	}
}

// RemoveListenerForPeer undoes AddListenerForPeer. The connection keeps l
// while l is registered for every connection.
func (s *Server) RemoveListenerForPeer(l PacketListener, address string, port int) {
	k := NewPeerKey(address, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls := removeValue(s.peerListeners[k], l); len(ls) == 0 {
		delete(s.peerListeners, k)
	} else {
		s.peerListeners[k] = ls
	}
	if c, ok := s.conns.Get(k); ok && !contains(s.listeners, l) {
		c.RemoveListener(l)
	}
}

// AddListenerForPeerAndNames registers l for packets named one of names from
// one peer. If the peer is not connected yet, l is applied when it connects.
func (s *Server) AddListenerForPeerAndNames(l PacketListener, address string, port int, names ...string) {
	k := NewPeerKey(address, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	named, ok := s.peerNamed[k]
	if !ok {
		named = map[string][]PacketListener{}
		s.peerNamed[k] = named
	}
	for _, name := range names {
		named[name] = addUnique(named[name], l)
	}
	if c, ok := s.conns.Get(k); ok {
		c.AddListenerForNames(l, names...)
	}
}

// RemoveListenerForPeerAndNames undoes AddListenerForPeerAndNames. The
// connection keeps l for a name while l is registered for that name on every
// connection.
func (s *Server) RemoveListenerForPeerAndNames(l PacketListener, address string, port int, names ...string) {
	k := NewPeerKey(address, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	if named, ok := s.peerNamed[k]; ok {
		removeNamed(named, l, names)
		if len(named) == 0 {
			delete(s.peerNamed, k)
		}
	}
	if c, ok := s.conns.Get(k); ok {
		for _, name := range names {
			if !contains(s.named[name], l) {
				c.RemoveListenerForNames(l, name)
			}
		}
	}
}

// AddDisconnectionListener registers l on every connection.
func (s *Server) AddDisconnectionListener(l DisconnectionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnections = addUnique(s.disconnections, l)
	for _, c := range s.conns.Values() {
		c.AddDisconnectionListener(l)
	}
}

// RemoveDisconnectionListener undoes AddDisconnectionListener.
func (s *Server) RemoveDisconnectionListener(l DisconnectionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnections = removeValue(s.disconnections, l)
	for _, c := range s.conns.Values() {
		c.RemoveDisconnectionListener(l)
	}
}

// AddErrorListener registers l on every connection.
func (s *Server) AddErrorListener(l ErrorListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = addUnique(s.errs, l)
	for _, c := range s.conns.Values() {
		c.AddErrorListener(l)
	}
}

// RemoveErrorListener undoes AddErrorListener.
func (s *Server) RemoveErrorListener(l ErrorListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = removeValue(s.errs, l)
	for _, c := range s.conns.Values() {
		c.RemoveErrorListener(l)
	}
}

func removeNamed(named map[string][]PacketListener, l PacketListener, names []string) {
	for _, name := range names {
		if ls := removeValue(named[name], l); len(ls) == 0 {
			delete(named, name)
		} else {
			named[name] = ls
		}
	}
}

// Start starts accepting clients in a new go-routine and returns at once.
func (s *Server) Start() *Server {
	if s.stopped.Get() || !s.running.CompareAndSet(false, true) {
		return s
	}
	logger.Infof("server start, net %s addr %s", s.lis.Addr().Network(), s.lis.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var tempDelay time.Duration
	for {
		rawConn, err := s.lis.Accept()
		if err != nil {
			if !s.running.Get() || errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = acceptMinDelay
			} else {
				tempDelay *= 2
			}
			if tempDelay >= acceptMaxDelay {
				tempDelay = acceptMaxDelay
			}
			logger.Errorf("accept error %v, retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-s.closeCh:
				return
			}
			continue
		}
		tempDelay = 0
		s.accept(rawConn)
	}
}

func (s *Server) accept(rawConn net.Conn) {
	if tc, ok := rawConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	// how many connections do we have ?
	if sz := s.conns.Size(); s.opts.maxConns > 0 && sz >= s.opts.maxConns {
		logger.Warnf("max connections size %d, refuse %v", sz, rawConn.RemoteAddr())
		rawConn.Close()
		return
	}

	c := NewConn(rawConn, s.opts.connOpts...)
	peer := c.Peer()
	c.AddDisconnectionListener(DisconnectionFunc(func(c *Conn) {
		if s.conns.RemoveIf(peer, c) {
			logger.Infof("client %s gone, total %d", peer, s.conns.Size())
		}
	}))

	s.mu.Lock()
	s.applyTemplates(c)
	if old, ok := s.conns.Get(peer); ok {
		logger.Warnf("client %s reconnected before its old conn was torn down", peer)
		old.Stop()
	}
	s.conns.Put(peer, c)
	connects := append([]ConnectionListener(nil), s.connects...)
	s.mu.Unlock()

	c.Start()
	logger.Infof("accepted client %s, id %d, total %d", peer, c.NetID(), s.conns.Size())

	for _, l := range connects {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("connection listener panics: %v", r)
				}
			}()
			l.OnConnect(c)
		}()
	}
}

// applyTemplates copies the registered listeners matching c onto it. s.mu must
// be held.
func (s *Server) applyTemplates(c *Conn) {
	peer := c.Peer()
	for _, l := range s.listeners {
		c.AddListener(l)
	}
	for name, ls := range s.named {
		for _, l := range ls {
			c.AddListenerForNames(l, name)
		}
	}
	for _, l := range s.peerListeners[peer] {
		c.AddListener(l)
	}
	for name, ls := range s.peerNamed[peer] {
		for _, l := range ls {
			c.AddListenerForNames(l, name)
		}
	}
	for _, l := range s.disconnections {
		c.AddDisconnectionListener(l)
	}
	for _, l := range s.errs {
		c.AddErrorListener(l)
	}
}

// Stop stops accepting, closes the listener and asks every connection to
// disconnect. Connections finish their teardown asynchronously.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSet(false, true) {
		return ErrServerClosed
	}
	s.running.Set(false)
	close(s.closeCh)
	err := s.lis.Close()
	s.wg.Wait()

	for _, c := range s.conns.Values() {
		c.Stop()
	}
	s.pool.Close()
	logger.Infof("server stopped, addr %s", s.lis.Addr())

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close listener")
	}
	return nil
}

// Send broadcasts p to every tracked connection. A failing peer does not stop
// the others; all failures are returned together.
func (s *Server) Send(p Packet) error {
	if isNil(p) {
		return ErrNilPacket
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, c := range s.conns.Values() {
		c := c
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := c.Send(p); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}
		if err := s.pool.Put(c.Peer(), task); err != nil {
			task()
		}
	}
	wg.Wait()
	return errs
}

// SendTo sends p to the peer at address and port.
func (s *Server) SendTo(p Packet, address string, port int) error {
	k := NewPeerKey(address, port)
	c, ok := s.conns.Get(k)
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "%s", k)
	}
	return c.Send(p)
}
