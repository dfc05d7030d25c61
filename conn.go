package treenet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/leesper/treenet")

type connOptions struct {
	codec          *Codec
	compression    bool
	readTransform  func(io.Reader) io.Reader
	writeTransform func(io.Writer) io.Writer
	netid          int64
	hasNetID       bool
}

// ConnOption sets connection options.
type ConnOption func(*connOptions)

// WithCodec returns a ConnOption that encodes and decodes with codec instead
// of DefaultCodec.
func WithCodec(codec *Codec) ConnOption {
	return func(o *connOptions) {
		o.codec = codec
	}
}

// WithCompression returns a ConnOption that gzips every packet. The peer must
// be configured the same way.
func WithCompression(on bool) ConnOption {
	return func(o *connOptions) {
		o.compression = on
	}
}

// WithReadTransform wraps the socket's read side before packets are read.
func WithReadTransform(f func(io.Reader) io.Reader) ConnOption {
	return func(o *connOptions) {
		o.readTransform = f
	}
}

// WithWriteTransform wraps the socket's write side before packets are written.
func WithWriteTransform(f func(io.Writer) io.Writer) ConnOption {
	return func(o *connOptions) {
		o.writeTransform = f
	}
}

// WithNetID sets the connection's net ID instead of taking the next one.
func WithNetID(id int64) ConnOption {
	return func(o *connOptions) {
		o.netid = id
		o.hasNetID = true
	}
}

// Conn is one packet connection over a net.Conn. Started, it runs a reader
// go-routine that decodes packets into a queue and a dispatcher go-routine
// that hands them, in order, to the registered listeners.
type Conn struct {
	opts    connOptions
	netid   int64
	rawConn net.Conn
	in      io.Reader
	out     io.Writer
	peer    PeerKey

	started       *AtomicBoolean
	running       *AtomicBoolean
	stopRequested *AtomicBoolean
	queue         *packetQueue
	once          sync.Once
	done          chan struct{}

	sendMu sync.Mutex // guards following
	writer *bufio.Writer
	closed bool

	mu             sync.RWMutex // guards following
	listeners      []PacketListener
	named          map[string][]PacketListener
	disconnections []DisconnectionListener
	errs           []ErrorListener
}

// NewConn returns a connection over c which has not started to read yet.
func NewConn(c net.Conn, opt ...ConnOption) *Conn {
	var opts connOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.codec == nil {
		opts.codec = DefaultCodec
	}
	if opts.readTransform == nil {
		opts.readTransform = func(r io.Reader) io.Reader { return r }
	}
	if opts.writeTransform == nil {
		opts.writeTransform = func(w io.Writer) io.Writer { return w }
	}
	netid := opts.netid
	if !opts.hasNetID {
		netid = netIdentifier.GetAndIncrement()
	}

	peer, err := PeerKeyFromAddr(c.RemoteAddr())
	if err != nil {
		peer = PeerKey{Address: c.RemoteAddr().String()}
	}

	out := opts.writeTransform(c)
	return &Conn{
		opts:          opts,
		netid:         netid,
		rawConn:       c,
		in:            opts.readTransform(c),
		out:           out,
		peer:          peer,
		started:       NewAtomicBoolean(false),
		running:       NewAtomicBoolean(false),
		stopRequested: NewAtomicBoolean(false),
		queue:         newPacketQueue(),
		done:          make(chan struct{}),
		writer:        bufio.NewWriter(out),
		named:         map[string][]PacketListener{},
	}
}

// Dial connects to addr over TCP and returns a connection that has not been
// started.
func Dial(ctx context.Context, addr string, opt ...ConnOption) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return NewConn(c, opt...), nil
}

// NetID returns the net ID of the connection.
func (c *Conn) NetID() int64 {
	return c.netid
}

// Peer returns the key a server tracks this connection under.
func (c *Conn) Peer() PeerKey {
	return c.peer
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// Raw returns the underlying net.Conn.
func (c *Conn) Raw() net.Conn {
	return c.rawConn
}

// Codec returns the codec packets are encoded with.
func (c *Conn) Codec() *Codec {
	return c.opts.codec
}

// Running reports whether the connection has been started and not yet torn
// down.
func (c *Conn) Running() bool {
	return c.running.Get()
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %d <%v -> %v>", c.netid, c.rawConn.LocalAddr(), c.rawConn.RemoteAddr())
}

// AddListener registers l for every packet.
func (c *Conn) AddListener(l PacketListener) {
	c.mu.Lock()
	c.listeners = addUnique(c.listeners, l)
	c.mu.Unlock()
}

// RemoveListener unregisters l from every packet.
func (c *Conn) RemoveListener(l PacketListener) {
	c.mu.Lock()
	c.listeners = removeValue(c.listeners, l)
	c.mu.Unlock()
}

// AddListenerForNames registers l for packets carrying one of names.
func (c *Conn) AddListenerForNames(l PacketListener, names ...string) {
	c.mu.Lock()
	for _, name := range names {
		c.named[name] = addUnique(c.named[name], l)
	}
	c.mu.Unlock()
}

// RemoveListenerForNames unregisters l from names.
func (c *Conn) RemoveListenerForNames(l PacketListener, names ...string) {
	c.mu.Lock()
	for _, name := range names {
		ls := removeValue(c.named[name], l)
		if len(ls) == 0 {
			delete(c.named, name)
		} else {
			c.named[name] = ls
		}
	}
	c.mu.Unlock()
}

// AddDisconnectionListener registers l for the teardown notification.
func (c *Conn) AddDisconnectionListener(l DisconnectionListener) {
	c.mu.Lock()
	c.disconnections = addUnique(c.disconnections, l)
	c.mu.Unlock()
}

// RemoveDisconnectionListener unregisters l.
func (c *Conn) RemoveDisconnectionListener(l DisconnectionListener) {
	c.mu.Lock()
	c.disconnections = removeValue(c.disconnections, l)
	c.mu.Unlock()
}

// AddErrorListener registers l for read errors.
func (c *Conn) AddErrorListener(l ErrorListener) {
	c.mu.Lock()
	c.errs = addUnique(c.errs, l)
	c.mu.Unlock()
}

// RemoveErrorListener unregisters l.
func (c *Conn) RemoveErrorListener(l ErrorListener) {
	c.mu.Lock()
	c.errs = removeValue(c.errs, l)
	c.mu.Unlock()
}

// Start starts the reader and dispatcher go-routines and returns at once.
// Calling it again, or after Stop, does nothing.
func (c *Conn) Start() *Conn {
	if !c.started.CompareAndSet(false, true) {
		return c
	}
	logger.Infof("conn start, <%v -> %v>", c.rawConn.LocalAddr(), c.rawConn.RemoteAddr())
	c.running.Set(true)
	connsActive.Inc()

	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Stop asks the connection to disconnect and returns at once. Packets already
// read are still dispatched; Done is closed when that has finished.
func (c *Conn) Stop() {
	c.stopRequested.Set(true)
	if c.started.CompareAndSet(false, true) {
		c.teardown()
		return
	}
	if cr, ok := c.rawConn.(interface{ CloseRead() error }); ok {
		if err := cr.CloseRead(); err != nil {
			logger.Debugf("%v close read: %v", c, err)
		}
	}
	// unblocks the reader on conns without a half-close too
	c.rawConn.SetReadDeadline(time.Now())
}

// Send encodes p and writes it to the peer. Concurrent calls are serialised so
// packets never interleave on the wire.
func (c *Conn) Send(p Packet) error {
	if isNil(p) {
		return ErrNilPacket
	}
	_, span := tracer.Start(context.Background(), "treenet.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(c.packetAttrs(p)...))
	defer span.End()

	err := c.send(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	packetsSent.WithLabelValues(p.PacketID()).Inc()
	return nil
}

func (c *Conn) send(p Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}

	var err error
	if c.opts.compression {
		err = c.opts.codec.WriteCompressedPacket(c.writer, p)
	} else {
		err = c.opts.codec.WritePacket(c.writer, p)
	}
	if err == nil {
		err = c.writer.Flush()
	}
	if err != nil {
		return errors.WithMessagef(err, "send %s to %s", p.PacketID(), c.peer)
	}
	return nil
}

func (c *Conn) readPacket(r stree.Reader) (Packet, error) {
	if c.opts.compression {
		return c.opts.codec.ReadCompressedPacket(r)
	}
	return c.opts.codec.ReadPacket(r)
}

// isRecoverable reports whether err spoiled only the packet just read, leaving
// the stream positioned at the next one.
func isRecoverable(err error) bool {
	return errors.Is(err, ErrMalformedPacket) || errors.Is(err, stree.ErrMalformedTree)
}

/* readLoop() blocking read from connection, decode trees into packets,
then put them into the queue for the dispatcher */
func (c *Conn) readLoop() {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("%v reader panics: %v", c, p)
			c.stopRequested.Set(true)
		}
		c.queue.close()
	}()

	r := bufio.NewReader(c.in)
	for {
		p, err := c.readPacket(r)
		if err == nil {
			packetsReceived.WithLabelValues(p.PacketID()).Inc()
			c.queue.put(p)
			continue
		}

		if c.stopRequested.Get() || err == io.EOF || errors.Is(err, net.ErrClosed) {
			logger.Debugf("%v reader exits: %v", c, err)
			c.stopRequested.Set(true)
			return
		}

		if isRecoverable(err) {
			decodeErrors.WithLabelValues(errKindMalformed).Inc()
			logger.Warnf("%v skipping bad packet: %v", c, err)
			c.notifyError(err)
			continue
		}

		decodeErrors.WithLabelValues(errKindDesync).Inc()
		logger.Errorf("%v read error, disconnecting: %v", c, err)
		c.notifyError(err)
		c.stopRequested.Set(true)
		return
	}
}

// dispatchLoop() takes packets off the queue in order and notifies listeners;
// it tears the connection down once the queue is closed and drained.
func (c *Conn) dispatchLoop() {
	defer c.teardown()
	for {
		p, ok := c.queue.get()
		if !ok {
			return
		}
		c.dispatch(p)
	}
}

func (c *Conn) dispatch(p Packet) {
	start := time.Now()
	_, span := tracer.Start(context.Background(), "treenet.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(c.packetAttrs(p)...))
	defer func() {
		span.End()
		dispatchDuration.Observe(time.Since(start).Seconds())
	}()

	logger.dump(fmt.Sprintf("%v dispatch", c), p)

	c.mu.RLock()
	global := append([]PacketListener(nil), c.listeners...)
	named := append([]PacketListener(nil), c.named[p.Name()]...)
	c.mu.RUnlock()

	for _, l := range global {
		c.notifyPacket(l, p, span)
	}
	for _, l := range named {
		c.notifyPacket(l, p, span)
	}
}

func (c *Conn) notifyPacket(l PacketListener, p Packet, span trace.Span) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%v listener panics on %s: %v", c, p.Name(), r)
			span.SetStatus(codes.Error, fmt.Sprint(r))
		}
	}()
	l.OnPacket(c, p)
}

func (c *Conn) notifyError(err error) {
	c.mu.RLock()
	ls := append([]ErrorListener(nil), c.errs...)
	c.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("%v error listener panics: %v", c, r)
				}
			}()
			l.OnError(c, err)
		}()
	}
}

// teardown runs once: listeners hear about the disconnect, then the socket is
// closed and Done is released.
func (c *Conn) teardown() {
	c.once.Do(func() {
		logger.Infof("conn close gracefully, <%v -> %v>", c.rawConn.LocalAddr(), c.rawConn.RemoteAddr())
		if c.running.CompareAndSet(true, false) {
			connsActive.Dec()
		}

		c.mu.RLock()
		ls := append([]DisconnectionListener(nil), c.disconnections...)
		c.mu.RUnlock()
		for _, l := range ls {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("%v disconnection listener panics: %v", c, r)
					}
				}()
				l.OnDisconnect(c)
			}()
		}

		if err := c.rawConn.Close(); err != nil {
			logger.Debugf("%v close: %v", c, err)
		}
		c.sendMu.Lock()
		c.closed = true
		c.closeTransform("write", c.out)
		c.sendMu.Unlock()
		c.closeTransform("read", c.in)
		close(c.done)
	})
}

// closeTransform closes a read or write transform that is a closer other than
// the socket itself.
func (c *Conn) closeTransform(side string, v interface{}) {
	cl, ok := v.(io.Closer)
	if !ok || v == interface{}(c.rawConn) {
		return
	}
	if err := cl.Close(); err != nil {
		logger.Debugf("%v close %s transform: %v", c, side, err)
	}
}

func (c *Conn) packetAttrs(p Packet) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("treenet.packet_id", p.PacketID()),
		attribute.String("treenet.packet_name", p.Name()),
		attribute.String("treenet.peer", c.peer.String()),
	}
}

func addUnique[T comparable](s []T, v T) []T {
	if contains(s, v) {
		return s
	}
	return append(s, v)
}

func contains[T comparable](s []T, v T) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeValue[T comparable](s []T, v T) []T {
	for i, x := range s {
		if x == v {
			out := make([]T, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...)
		}
	}
	return s
}
