package treenet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leesper/treenet/stree"
	"github.com/sirupsen/logrus"
)

func seqPacket(name string, i int) Packet {
	return NewAdvancedPacket(name, stree.NewMap().PutString("n", strconv.Itoa(i)))
}

func seqOf(t *testing.T, p Packet) int {
	t.Helper()
	ap, ok := p.(*AdvancedPacket)
	if !ok {
		t.Fatalf("got %T, want *AdvancedPacket", p)
	}
	s, err := ap.Data.GetString("n")
	if err != nil {
		t.Fatalf("packet has no sequence: %v", err)
	}
	n, _ := strconv.Atoi(s)
	return n
}

func TestConnDeliversInOrder(t *testing.T) {
	client, server := tcpPair(t)
	rec := newRecorder()
	sc := NewConn(server)
	sc.AddListener(rec)
	sc.Start()
	defer sc.Stop()

	cc := NewConn(client)
	for i := 0; i < 200; i++ {
		if err := cc.Send(seqPacket("seq", i)); err != nil {
			t.Fatalf("Send(%d) error %v", i, err)
		}
	}
	for i := 0; i < 200; i++ {
		if got := seqOf(t, rec.next(t)); got != i {
			t.Fatalf("packet #%d has sequence %d", i, got)
		}
	}
}

func TestConnNamedListeners(t *testing.T) {
	client, server := tcpPair(t)
	all, onlyA, removed := newRecorder(), newRecorder(), newRecorder()
	sc := NewConn(server)
	sc.AddListener(all)
	sc.AddListenerForNames(onlyA, "a")
	sc.AddListenerForNames(removed, "a", "b")
	sc.RemoveListenerForNames(removed, "a", "b")
	sc.Start()
	defer sc.Stop()

	cc := NewConn(client)
	for _, name := range []string{"a", "b", "a"} {
		if err := cc.Send(NewSimplePacket(name)); err != nil {
			t.Fatalf("Send() error %v", err)
		}
	}

	for _, want := range []string{"a", "b", "a"} {
		if got := all.next(t).Name(); got != want {
			t.Errorf("global listener got %q, want %q", got, want)
		}
	}
	for i := 0; i < 2; i++ {
		if got := onlyA.next(t).Name(); got != "a" {
			t.Errorf("named listener got %q, want a", got)
		}
	}
	onlyA.none(t, 50*time.Millisecond)
	removed.none(t, 10*time.Millisecond)
}

func TestConnListenerFuncRemoval(t *testing.T) {
	client, server := tcpPair(t)
	var mu sync.Mutex
	var calls int
	l := ListenerFunc(func(*Conn, Packet) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	rec := newRecorder()

	sc := NewConn(server)
	sc.AddListener(l)
	sc.AddListener(l)
	sc.RemoveListener(l)
	sc.AddListener(rec)
	sc.Start()
	defer sc.Stop()

	if err := NewConn(client).Send(NewSimplePacket("x")); err != nil {
		t.Fatalf("Send() error %v", err)
	}
	rec.next(t)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("removed listener called %d times", calls)
	}
}

func TestConnDisconnectNotifiedOnce(t *testing.T) {
	client, server := tcpPair(t)
	dc := &disconnectCounter{}
	rec := newRecorder()
	sc := NewConn(server)
	sc.AddDisconnectionListener(dc)
	sc.AddListener(rec)
	sc.Start()

	cc := NewConn(client)
	if err := cc.Send(NewSimplePacket("last")); err != nil {
		t.Fatalf("Send() error %v", err)
	}
	client.Close()

	waitDone(t, sc)
	if rec.next(t).Name() != "last" {
		t.Error("packet sent before close was not dispatched")
	}
	sc.Stop()
	if n := dc.count(); n != 1 {
		t.Errorf("disconnection listener called %d times, want 1", n)
	}
	if sc.Running() {
		t.Error("Running() = true after teardown")
	}
	if err := sc.Send(NewSimplePacket("late")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send() after teardown = %v, want ErrConnClosed", err)
	}
}

func TestConnStop(t *testing.T) {
	client, server := tcpPair(t)
	sc := NewConn(server)
	cc := NewConn(client)
	cdc := &disconnectCounter{}
	cc.AddDisconnectionListener(cdc)
	sc.Start()
	cc.Start()

	sc.Stop()
	waitDone(t, sc)
	// the peer sees the socket close and tears down too
	waitDone(t, cc)
	if n := cdc.count(); n != 1 {
		t.Errorf("peer disconnection listener called %d times, want 1", n)
	}
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type closingReader struct {
	io.Reader
	*closeCounter
}

type closingWriter struct {
	io.Writer
	*closeCounter
}

func TestConnTeardownClosesTransforms(t *testing.T) {
	client, server := tcpPair(t)
	rc, wc := &closeCounter{}, &closeCounter{}
	sc := NewConn(server,
		WithReadTransform(func(r io.Reader) io.Reader { return closingReader{r, rc} }),
		WithWriteTransform(func(w io.Writer) io.Writer { return closingWriter{w, wc} }))
	rec := newRecorder()
	sc.AddListener(rec)
	sc.Start()

	cc := NewConn(client)
	if err := cc.Send(NewSimplePacket("through")); err != nil {
		t.Fatalf("Send() error %v", err)
	}
	rec.next(t)
	if err := sc.Send(NewSimplePacket("back")); err != nil {
		t.Fatalf("Send() error %v", err)
	}

	sc.Stop()
	waitDone(t, sc)
	if rc.count() != 1 || wc.count() != 1 {
		t.Errorf("transforms closed %d (read) and %d (write) times, want 1 each", rc.count(), wc.count())
	}
}

func TestConnStopBeforeStart(t *testing.T) {
	_, server := tcpPair(t)
	dc := &disconnectCounter{}
	sc := NewConn(server)
	sc.AddDisconnectionListener(dc)

	sc.Stop()
	waitDone(t, sc)
	sc.Start()
	if sc.Running() {
		t.Error("Start() after Stop() started the connection")
	}
	if n := dc.count(); n != 1 {
		t.Errorf("disconnection listener called %d times, want 1", n)
	}
}

func TestConnStartTwice(t *testing.T) {
	_, server := tcpPair(t)
	sc := NewConn(server)
	if sc.Start() != sc || sc.Start() != sc {
		t.Fatal("Start() did not return the connection")
	}
	if !sc.Running() {
		t.Error("Running() = false after Start()")
	}
	sc.Stop()
	waitDone(t, sc)
}

func TestConnConcurrentSend(t *testing.T) {
	const senders, each = 8, 50
	client, server := tcpPair(t)
	rec := newRecorder()
	errs := newErrRecorder()
	sc := NewConn(server)
	sc.AddListener(rec)
	sc.AddErrorListener(errs)
	sc.Start()
	defer sc.Stop()

	cc := NewConn(client)
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := cc.Send(seqPacket(fmt.Sprintf("sender-%d", s), i)); err != nil {
					t.Errorf("Send() error %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	next := map[string]int{}
	for i := 0; i < senders*each; i++ {
		p := rec.next(t)
		if got := seqOf(t, p); got != next[p.Name()] {
			t.Fatalf("%s: sequence %d, want %d", p.Name(), got, next[p.Name()])
		}
		next[p.Name()]++
	}
	select {
	case err := <-errs.ch:
		t.Errorf("unexpected read error %v", err)
	default:
	}
}

func TestConnSkipsMalformedPacket(t *testing.T) {
	client, server := tcpPair(t)
	rec := newRecorder()
	errs := newErrRecorder()
	sc := NewConn(server)
	sc.AddListener(rec)
	sc.AddErrorListener(errs)
	sc.Start()
	defer sc.Stop()

	// a well-formed tree that is not an envelope
	if err := stree.WriteTree(client, stree.String("junk")); err != nil {
		t.Fatalf("WriteTree() error %v", err)
	}
	if err := NewConn(client).Send(NewSimplePacket("good")); err != nil {
		t.Fatalf("Send() error %v", err)
	}

	if err := errs.next(t); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("error listener got %v, want ErrMalformedPacket", err)
	}
	if got := rec.next(t).Name(); got != "good" {
		t.Errorf("got %q, want good", got)
	}
	if !sc.Running() {
		t.Error("connection stopped after a malformed packet")
	}
}

func TestConnDesyncDisconnects(t *testing.T) {
	client, server := tcpPair(t)
	errs := newErrRecorder()
	dc := &disconnectCounter{}
	sc := NewConn(server)
	sc.AddErrorListener(errs)
	sc.AddDisconnectionListener(dc)
	sc.Start()

	if _, err := client.Write(binary.AppendUvarint(nil, 1<<40)); err != nil {
		t.Fatalf("Write() error %v", err)
	}
	if err := errs.next(t); !errors.Is(err, stree.ErrTreeTooLarge) {
		t.Errorf("error listener got %v, want stree.ErrTreeTooLarge", err)
	}
	waitDone(t, sc)
	if n := dc.count(); n != 1 {
		t.Errorf("disconnection listener called %d times, want 1", n)
	}
}

func TestConnCompression(t *testing.T) {
	client, server := tcpPair(t)
	rec := newRecorder()
	sc := NewConn(server, WithCompression(true))
	sc.AddListener(rec)
	sc.Start()
	defer sc.Stop()

	cc := NewConn(client, WithCompression(true))
	for i := 0; i < 20; i++ {
		if err := cc.Send(seqPacket("z", i)); err != nil {
			t.Fatalf("Send() error %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if got := seqOf(t, rec.next(t)); got != i {
			t.Fatalf("packet #%d has sequence %d", i, got)
		}
	}
}

func TestConnListenerPanicRecovered(t *testing.T) {
	client, server := tcpPair(t)
	rec := newRecorder()
	sc := NewConn(server)
	sc.AddListenerForNames(ListenerFunc(func(*Conn, Packet) { panic("boom") }), "bad")
	sc.AddListener(rec)
	sc.Start()
	defer sc.Stop()

	cc := NewConn(client)
	cc.Send(NewSimplePacket("bad"))
	cc.Send(NewSimplePacket("fine"))
	rec.next(t)
	if got := rec.next(t).Name(); got != "fine" {
		t.Errorf("got %q, want fine", got)
	}
}

func TestConnTraceDump(t *testing.T) {
	l := logrus.New()
	var out safeBuffer
	l.Out = &out
	l.SetLevel(logrus.TraceLevel)
	SetLogger(l)
	defer SetLogger(quietLogger())

	client, server := tcpPair(t)
	rec := newRecorder()
	sc := NewConn(server)
	sc.AddListener(rec)
	sc.Start()
	defer sc.Stop()

	NewConn(client).Send(NewAdvancedPacket("dumped", nil))
	rec.next(t)
	eventually(t, func() bool { return out.contains("dumped") }, "packet was not dumped at trace level")
}

func TestDial(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error %v", err)
	}
	rec := newRecorder()
	s.AddListener(rec)
	s.Start()
	defer s.Stop()

	c, err := Dial(testContext(t), s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error %v", err)
	}
	defer c.Stop()
	if err := c.Send(NewSimplePacket("hi")); err != nil {
		t.Fatalf("Send() error %v", err)
	}
	if got := rec.next(t).Name(); got != "hi" {
		t.Errorf("got %q, want hi", got)
	}
}
