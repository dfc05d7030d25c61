package treenet

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const waitTimeout = 5 * time.Second

func init() {
	SetLogger(quietLogger())
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// safeBuffer is a bytes.Buffer safe for a logger and a test to share.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Contains(b.buf.Bytes(), []byte(s))
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial error %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// recorder collects the packets it is notified of.
type recorder struct {
	ch chan Packet
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Packet, 1024)}
}

func (r *recorder) OnPacket(_ *Conn, p Packet) {
	r.ch <- p
}

func (r *recorder) next(t *testing.T) Packet {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected packet %v", p)
	case <-time.After(d):
	}
}

// errRecorder collects errors reported to error listeners.
type errRecorder struct {
	ch chan error
}

func newErrRecorder() *errRecorder {
	return &errRecorder{ch: make(chan error, 64)}
}

func (r *errRecorder) OnError(_ *Conn, err error) {
	r.ch <- err
}

func (r *errRecorder) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an error")
		return nil
	}
}

// disconnectCounter counts teardown notifications.
type disconnectCounter struct {
	mu sync.Mutex
	n  int
}

func (d *disconnectCounter) OnDisconnect(_ *Conn) {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
}

func (d *disconnectCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("%v was not torn down", c)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
